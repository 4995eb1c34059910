package core

// ========== 基础数据结构 ==========

// Segment 一段说话人发言，id 即插入顺序（等于时间顺序）
type Segment struct {
	ID             int    `json:"id"`
	StartMS        int64  `json:"start_ms"`
	EndMS          int64  `json:"end_ms"`
	Speaker        string `json:"speaker,omitempty"`
	Text           string `json:"text"`
	StartFramePath string `json:"start_frame_path,omitempty"`
	EndFramePath   string `json:"end_frame_path,omitempty"`
}

// AudioChunk 分片后的音频，OffsetMS 是之前所有分片时长之和
type AudioChunk struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	OffsetMS   int64  `json:"offset_ms"`
	DurationMS int64  `json:"duration_ms"`
	ByteSize   int64  `json:"byte_size"`
}

// Utterance 转录服务回传的单句，时间戳相对于所在分片
type Utterance struct {
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text"`
}

// EmbeddingRecord 每个已索引的 Segment 对应一行
type EmbeddingRecord struct {
	SegmentID int       `json:"segment_id"`
	Vector    []float32 `json:"vector"`
}

// ========== 管线状态 ==========

type Stage string

const (
	StageIdle       Stage = "idle"
	StageTranscribe Stage = "splitting_transcribing"
	StageFrames     Stage = "extracting_frames"
	StageIndexing   Stage = "indexing"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the stage is an end state of a job.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// PipelineState is the snapshot polled by callers while a job runs.
// Progress is 0-100 and never decreases within one job.
type PipelineState struct {
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// ========== 检索结果 ==========

type Hit struct {
	SegmentID     int     `json:"segment_id"`
	Score         float64 `json:"score"`
	StartMS       int64   `json:"start_ms"`
	EndMS         int64   `json:"end_ms"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	Speaker       string  `json:"speaker,omitempty"`
	Text          string  `json:"text"`
	StartImage    string  `json:"start_image,omitempty"`
	EndImage      string  `json:"end_image,omitempty"`
	StartImageURL string  `json:"start_image_url,omitempty"`
	EndImageURL   string  `json:"end_image_url,omitempty"`
}

// ========== HTTP 请求/响应 ==========

type UploadResponse struct {
	JobID    string `json:"job_id"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

type SearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type SearchResponse struct {
	Query string `json:"query"`
	Hits  []Hit  `json:"hits"`
}
