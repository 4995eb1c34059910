package processors

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/storage"
)

// Orchestrator 驱动摄取管线的状态机：
//
//	idle → splitting_transcribing → extracting_frames → indexing → complete
//
// 任一非终止状态都可进入 failed。整个进程同一时刻最多一个任务在跑，
// 任务活跃期间新的上传直接拒绝，不排队。
type Orchestrator struct {
	mu    sync.Mutex
	state core.PipelineState

	cfg      *config.Config
	store    *storage.SegmentStore
	index    storage.VectorIndex
	embedder storage.Embedder

	splitter    *AudioSplitter
	transcriber *Transcriber
	frames      *FrameExtractor

	// 测试注入点
	extractAudio func(inputPath, audioOut string) error
	onDone       func()
}

func NewOrchestrator(cfg *config.Config, store *storage.SegmentStore, index storage.VectorIndex,
	embedder storage.Embedder, asr ASRProvider) *Orchestrator {
	return &Orchestrator{
		state:        core.PipelineState{Stage: core.StageIdle},
		cfg:          cfg,
		store:        store,
		index:        index,
		embedder:     embedder,
		splitter:     NewAudioSplitter(cfg.MaxChunkBytes, cfg.MinSliceMS),
		transcriber:  NewTranscriber(asr),
		frames:       NewFrameExtractor(core.ScreenshotsDir()),
		extractAudio: ExtractAudio,
	}
}

// State 返回当前管线状态的快照
func (o *Orchestrator) State() core.PipelineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StartIngestion 校验后在后台启动摄取任务，立即返回任务 id。
// 已有任务在非终止状态时同步返回 ErrBusy；扩展名不在白名单时
// 返回 ErrUnsupportedFormat，不触碰任何共享状态。
func (o *Orchestrator) StartIngestion(videoPath string) (string, error) {
	ext := filepath.Ext(videoPath)
	if !ExtensionAllowed(ext) {
		return "", core.UnsupportedFormatError(ext)
	}
	if _, err := os.Stat(videoPath); err != nil {
		return "", fmt.Errorf("video file not found: %s", videoPath)
	}

	o.mu.Lock()
	if o.state.Stage != core.StageIdle && !o.state.Stage.Terminal() {
		o.mu.Unlock()
		return "", core.ErrBusy
	}
	jobID := core.NewJobID()
	o.state = core.PipelineState{
		Stage:    core.StageTranscribe,
		Progress: 10,
		Message:  "extracting audio...",
	}
	o.mu.Unlock()

	go o.run(jobID, videoPath)
	return jobID, nil
}

func (o *Orchestrator) run(jobID, videoPath string) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(fmt.Errorf("panic during ingestion: %v", r))
		}
		if o.onDone != nil {
			o.onDone()
		}
	}()

	ctx := context.Background()
	jobDir := core.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		o.fail(err)
		return
	}

	// 阶段 1: 提取音轨、分片、转录
	audioPath := filepath.Join(jobDir, "audio.m4a")
	if err := o.extractAudio(videoPath, audioPath); err != nil {
		o.fail(err)
		return
	}

	o.setProgress(core.StageTranscribe, 20, "splitting audio...")
	chunks, err := o.splitter.Split(audioPath, filepath.Join(jobDir, "chunks"))
	if err != nil {
		o.fail(err)
		return
	}
	log.Printf("job %s: audio split into %d chunk(s)", jobID, len(chunks))

	// 分片转录进度在 20-40 之间插值
	o.transcriber.OnChunk = func(done, total int) {
		o.setProgress(core.StageTranscribe, 20+20*done/total,
			fmt.Sprintf("transcribed chunk %d/%d", done, total))
	}
	segments, err := o.transcriber.TranscribeChunks(ctx, chunks)
	if err != nil {
		o.fail(err)
		return
	}
	if err := o.store.ReplaceAll(segments); err != nil {
		o.fail(err)
		return
	}
	// 调试用的转录副本，SegmentStore 才是事实来源
	if err := core.SaveJSON(filepath.Join(jobDir, "transcript.json"), segments); err != nil {
		log.Printf("job %s: save transcript copy: %v", jobID, err)
	}

	// 阶段 2: 截取边界帧。单片段失败不致命。
	o.setProgress(core.StageFrames, 50, "extracting boundary frames...")
	withFrames, err := o.frames.Extract(videoPath, segments)
	if err != nil {
		o.fail(err)
		return
	}
	for _, seg := range withFrames {
		if err := o.store.UpdateFramePaths(seg.ID, seg.StartFramePath, seg.EndFramePath); err != nil {
			o.fail(err)
			return
		}
	}
	o.setProgress(core.StageFrames, 60, "boundary frames extracted")

	// 阶段 3: 嵌入 + 建索引。索引只在全部片段截图尝试完之后
	// 整体重建，失败时上一次建好的索引原样保留。
	o.setProgress(core.StageIndexing, 70, "generating embeddings...")
	all, err := o.store.All()
	if err != nil {
		o.fail(err)
		return
	}
	texts := make([]string, len(all))
	for i, seg := range all {
		texts[i] = seg.Text
	}
	vectors, err := o.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		o.fail(err)
		return
	}
	records := make([]core.EmbeddingRecord, len(all))
	for i, seg := range all {
		records[i] = core.EmbeddingRecord{SegmentID: seg.ID, Vector: vectors[i]}
	}

	o.setProgress(core.StageIndexing, 80, "building vector index...")
	if err := o.index.Build(records); err != nil {
		o.fail(err)
		return
	}

	// 分片是一次性的，合并完就可以清掉
	os.RemoveAll(filepath.Join(jobDir, "chunks"))

	o.setProgress(core.StageComplete, 100,
		fmt.Sprintf("ingestion complete: %d segments indexed", len(records)))
	log.Printf("job %s: ingestion complete, %d segments indexed", jobID, len(records))
}

// setProgress 进度只增不减；阶段切换时允许数值保持
func (o *Orchestrator) setProgress(stage core.Stage, progress int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if progress < o.state.Progress {
		progress = o.state.Progress
	}
	o.state.Stage = stage
	o.state.Progress = progress
	o.state.Message = message
	log.Printf("[%s] %d%% - %s", stage, progress, message)
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Stage = core.StageFailed
	o.state.Message = "ingestion failed"
	o.state.Error = err.Error()
	log.Printf("[failed] %v", err)
}

// Query 检索路径：查询文字过同一个嵌入模型，索引取 top-k，
// 再回 SegmentStore 解析出完整片段。
func (o *Orchestrator) Query(ctx context.Context, text string, topK int) ([]core.Hit, error) {
	vectors, err := o.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	scored, err := o.index.Query(vectors[0], topK)
	if err != nil {
		return nil, err
	}

	hits := make([]core.Hit, 0, len(scored))
	for _, rec := range scored {
		seg, ok, err := o.store.Get(rec.SegmentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 索引落后于存储时跳过，不编造结果
			continue
		}
		hits = append(hits, core.Hit{
			SegmentID:  seg.ID,
			Score:      rec.Score,
			StartMS:    seg.StartMS,
			EndMS:      seg.EndMS,
			StartTime:  core.FormatTime(seg.StartMS),
			EndTime:    core.FormatTime(seg.EndMS),
			Speaker:    seg.Speaker,
			Text:       seg.Text,
			StartImage: seg.StartFramePath,
			EndImage:   seg.EndFramePath,
		})
	}
	return hits, nil
}
