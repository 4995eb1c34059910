package processors

import (
	"context"
	"errors"
	"testing"
	"time"

	"videoSearch/core"
)

// scriptedASR 按音频路径回放预设结果，前几次调用可先失败
type scriptedASR struct {
	utts     map[string][]core.Utterance
	failures int
	calls    int
}

func (s *scriptedASR) Transcribe(_ context.Context, audioPath string) ([]core.Utterance, error) {
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("transient upstream error")
	}
	return s.utts[audioPath], nil
}

func newTestTranscriber(provider ASRProvider) *Transcriber {
	t := NewTranscriber(provider)
	t.Backoff = time.Millisecond
	t.sleep = func(time.Duration) {}
	return t
}

func TestTranscribeRebasesTimestamps(t *testing.T) {
	asr := &scriptedASR{utts: map[string][]core.Utterance{
		"chunk0.m4a": {
			{StartMS: 0, EndMS: 2000, Speaker: "Speaker 1", Text: "hello"},
			{StartMS: 2000, EndMS: 4800, Speaker: "Speaker 2", Text: "hi there"},
		},
		"chunk1.m4a": {
			{StartMS: 100, EndMS: 3000, Speaker: "Speaker 1", Text: "continuing"},
		},
	}}
	tr := newTestTranscriber(asr)

	chunks := []core.AudioChunk{
		{Index: 0, Path: "chunk0.m4a", OffsetMS: 0, DurationMS: 5000},
		{Index: 1, Path: "chunk1.m4a", OffsetMS: 5000, DurationMS: 3000},
	}
	segments, err := tr.TranscribeChunks(context.Background(), chunks)
	if err != nil {
		t.Fatalf("TranscribeChunks failed: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}

	// 第二个分片的片内 100ms 应落到整轨的 5100ms
	if segments[2].StartMS != 5100 || segments[2].EndMS != 8000 {
		t.Errorf("segment 2 at [%d,%d]ms, want [5100,8000]ms", segments[2].StartMS, segments[2].EndMS)
	}
	for i, seg := range segments {
		if seg.ID != i {
			t.Errorf("segment %d has id %d", i, seg.ID)
		}
		if i > 0 && seg.StartMS < segments[i-1].StartMS {
			t.Errorf("segment %d starts before segment %d", i, i-1)
		}
	}
}

func TestTranscribeSkipsEmptyUtterances(t *testing.T) {
	asr := &scriptedASR{utts: map[string][]core.Utterance{
		"chunk0.m4a": {
			{StartMS: 0, EndMS: 1000, Text: "  "},
			{StartMS: 1000, EndMS: 2000, Text: "kept"},
		},
	}}
	tr := newTestTranscriber(asr)

	segments, err := tr.TranscribeChunks(context.Background(),
		[]core.AudioChunk{{Path: "chunk0.m4a", DurationMS: 2000}})
	if err != nil {
		t.Fatalf("TranscribeChunks failed: %v", err)
	}
	if len(segments) != 1 || segments[0].Text != "kept" {
		t.Fatalf("expected single non-empty segment, got %+v", segments)
	}
	if segments[0].ID != 0 {
		t.Errorf("ids must stay dense after skipping, got %d", segments[0].ID)
	}
}

func TestTranscribeRetriesThenSucceeds(t *testing.T) {
	asr := &scriptedASR{
		failures: 2,
		utts: map[string][]core.Utterance{
			"chunk0.m4a": {{StartMS: 0, EndMS: 1000, Text: "ok"}},
		},
	}
	tr := newTestTranscriber(asr)
	var slept []time.Duration
	tr.sleep = func(d time.Duration) { slept = append(slept, d) }

	segments, err := tr.TranscribeChunks(context.Background(),
		[]core.AudioChunk{{Path: "chunk0.m4a", DurationMS: 1000}})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if asr.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", asr.calls)
	}
	// 指数退避：第二次等待翻倍
	if len(slept) != 2 || slept[1] != 2*slept[0] {
		t.Errorf("expected exponential backoff, got %v", slept)
	}
}

func TestTranscribeFailsAtomicallyAfterRetryExhaustion(t *testing.T) {
	asr := &scriptedASR{failures: 100}
	tr := newTestTranscriber(asr)

	segments, err := tr.TranscribeChunks(context.Background(), []core.AudioChunk{
		{Index: 0, Path: "chunk0.m4a"},
		{Index: 1, Path: "chunk1.m4a"},
	})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if !errors.Is(err, core.ErrTranscription) {
		t.Errorf("expected ErrTranscription, got %v", err)
	}
	if segments != nil {
		t.Errorf("no partial results on failure, got %d segments", len(segments))
	}
	if asr.calls != tr.Retries+1 {
		t.Errorf("expected %d attempts, got %d", tr.Retries+1, asr.calls)
	}
}

func TestTranscribeReportsChunkProgress(t *testing.T) {
	asr := &scriptedASR{utts: map[string][]core.Utterance{}}
	tr := newTestTranscriber(asr)

	var reports [][2]int
	tr.OnChunk = func(done, total int) { reports = append(reports, [2]int{done, total}) }

	chunks := []core.AudioChunk{
		{Index: 0, Path: "a"}, {Index: 1, Path: "b"}, {Index: 2, Path: "c"},
	}
	if _, err := tr.TranscribeChunks(context.Background(), chunks); err != nil {
		t.Fatalf("TranscribeChunks failed: %v", err)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(reports) != len(want) {
		t.Fatalf("expected %d progress reports, got %d", len(want), len(reports))
	}
	for i := range want {
		if reports[i] != want[i] {
			t.Errorf("report %d = %v, want %v", i, reports[i], want[i])
		}
	}
}
