package processors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/storage"
)

// fixedASR 对任何音频都返回同一组片段
type fixedASR struct {
	utts []core.Utterance
}

func (f *fixedASR) Transcribe(context.Context, string) ([]core.Utterance, error) {
	return f.utts, nil
}

// newTestOrchestrator 搭一套不触外部进程和网络的完整管线：
// sqlite 片段存储 + 平面索引 + 哈希嵌入，ffmpeg 调用全部打桩
func newTestOrchestrator(t *testing.T, asr ASRProvider) (*Orchestrator, *storage.SegmentStore) {
	t.Helper()
	t.Setenv("DATA_ROOT", t.TempDir())

	cfg := &config.Config{
		Store:         "flat",
		MaxChunkBytes: config.DefaultMaxChunkBytes,
		MinSliceMS:    config.DefaultMinSliceMS,
	}
	store, err := storage.OpenSegmentStore(filepath.Join(core.DataRoot(), "segments.db"))
	if err != nil {
		t.Fatalf("open segment store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	index := storage.NewFlatIndex(storage.IndexPath())
	orch := NewOrchestrator(cfg, store, index, storage.NewHashEmbedder(), asr)

	orch.extractAudio = func(_, audioOut string) error {
		return os.WriteFile(audioOut, []byte("fake-aac"), 0644)
	}
	orch.splitter.probeDuration = func(string) (int64, error) { return 30_000, nil }
	orch.frames.probeDuration = func(string) (int64, error) { return 30_000, nil }
	orch.frames.capture = func(_ string, _ int64, outPath string) error {
		return os.WriteFile(outPath, []byte("jpg"), 0644)
	}
	return orch, store
}

func fakeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lecture.mp4")
	if err := os.WriteFile(path, []byte("not a real video"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ingestion did not finish in time")
	}
}

func TestIngestionHappyPath(t *testing.T) {
	asr := &fixedASR{utts: []core.Utterance{
		{StartMS: 0, EndMS: 4000, Speaker: "Speaker 1", Text: "a warm greeting to open the session"},
		{StartMS: 4000, EndMS: 9000, Speaker: "Speaker 2", Text: "discussion about storage engines"},
		{StartMS: 9000, EndMS: 14_000, Speaker: "Speaker 1", Text: "closing remarks and farewell"},
	}}
	orch, store := newTestOrchestrator(t, asr)

	done := make(chan struct{})
	orch.onDone = func() { close(done) }

	jobID, err := orch.StartIngestion(fakeVideo(t))
	if err != nil {
		t.Fatalf("StartIngestion failed: %v", err)
	}
	waitDone(t, done)

	state := orch.State()
	if state.Stage != core.StageComplete {
		t.Fatalf("stage = %s (error: %s), want complete", state.Stage, state.Error)
	}
	if state.Progress != 100 {
		t.Errorf("progress = %d, want 100", state.Progress)
	}

	segments, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 stored segments, got %d", len(segments))
	}
	for _, seg := range segments {
		if seg.StartFramePath == "" || seg.EndFramePath == "" {
			t.Errorf("segment %d missing frame paths", seg.ID)
		}
	}
	if orch.index.Count() != 3 {
		t.Errorf("index has %d records, want 3", orch.index.Count())
	}
	if _, err := os.Stat(filepath.Join(core.JobDir(jobID), "transcript.json")); err != nil {
		t.Errorf("transcript copy missing: %v", err)
	}
}

func TestQueryReturnsMostRelevantSegmentFirst(t *testing.T) {
	asr := &fixedASR{utts: []core.Utterance{
		{StartMS: 0, EndMS: 4000, Speaker: "Speaker 1", Text: "a warm greeting to open the session"},
		{StartMS: 4000, EndMS: 9000, Speaker: "Speaker 2", Text: "discussion about storage engines"},
		{StartMS: 9000, EndMS: 14_000, Speaker: "Speaker 1", Text: "planning next steps together"},
	}}
	orch, _ := newTestOrchestrator(t, asr)

	done := make(chan struct{})
	orch.onDone = func() { close(done) }
	if _, err := orch.StartIngestion(fakeVideo(t)); err != nil {
		t.Fatalf("StartIngestion failed: %v", err)
	}
	waitDone(t, done)

	hits, err := orch.Query(context.Background(), "greeting", 2)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].SegmentID != 0 {
		t.Errorf("top hit is segment %d, want segment 0", hits[0].SegmentID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("hits not ordered by score: %f <= %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].StartMS != 0 || hits[0].EndMS != 4000 {
		t.Errorf("hit bounds [%d,%d]ms, want [0,4000]ms", hits[0].StartMS, hits[0].EndMS)
	}
	if hits[0].StartImage == "" {
		t.Error("hit should carry frame path from segment store")
	}
}

func TestStartIngestionRejectsWhileBusy(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fixedASR{})

	release := make(chan struct{})
	orch.extractAudio = func(_, _ string) error {
		<-release
		return errors.New("stopped")
	}
	done := make(chan struct{})
	orch.onDone = func() { close(done) }

	video := fakeVideo(t)
	if _, err := orch.StartIngestion(video); err != nil {
		t.Fatalf("first StartIngestion failed: %v", err)
	}

	// 任务活跃期间的第二次上传立即拒绝
	if _, err := orch.StartIngestion(video); !errors.Is(err, core.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	waitDone(t, done)

	state := orch.State()
	if state.Stage != core.StageFailed {
		t.Fatalf("stage = %s, want failed", state.Stage)
	}
	if state.Error == "" {
		t.Error("failed state must carry the error message")
	}

	// 终止状态后可以接新任务
	done2 := make(chan struct{})
	orch.onDone = func() { close(done2) }
	orch.extractAudio = func(_, _ string) error { return errors.New("stopped again") }
	if _, err := orch.StartIngestion(video); err != nil {
		t.Fatalf("StartIngestion after terminal state failed: %v", err)
	}
	waitDone(t, done2)
}

func TestStartIngestionRejectsUnsupportedFormat(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fixedASR{})

	_, err := orch.StartIngestion("notes.txt")
	if !errors.Is(err, core.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if state := orch.State(); state.Stage != core.StageIdle {
		t.Errorf("rejected upload must not change state, got %s", state.Stage)
	}
}

func TestStartIngestionRejectsMissingFile(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fixedASR{})

	if _, err := orch.StartIngestion(filepath.Join(t.TempDir(), "missing.mp4")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if state := orch.State(); state.Stage != core.StageIdle {
		t.Errorf("rejected upload must not change state, got %s", state.Stage)
	}
}

func TestIngestionFailsWhenAudioExtractionFails(t *testing.T) {
	orch, store := newTestOrchestrator(t, &fixedASR{})
	orch.extractAudio = func(_, _ string) error {
		return core.AudioExtractionError("no audio stream in input")
	}
	captured := false
	orch.frames.capture = func(_ string, _ int64, _ string) error {
		captured = true
		return nil
	}

	done := make(chan struct{})
	orch.onDone = func() { close(done) }
	if _, err := orch.StartIngestion(fakeVideo(t)); err != nil {
		t.Fatalf("StartIngestion failed: %v", err)
	}
	waitDone(t, done)

	state := orch.State()
	if state.Stage != core.StageFailed {
		t.Fatalf("stage = %s, want failed", state.Stage)
	}
	if captured {
		t.Error("frame extraction must not run after audio failure")
	}
	if n, _ := store.Count(); n != 0 {
		t.Errorf("no segments should be stored after audio failure, got %d", n)
	}
}
