package processors

import (
	"context"
	"strings"
	"time"

	"videoSearch/core"
)

// Transcriber 按分片顺序调用转录服务，把分片内时间戳重定位到
// 整条时间轴，合并成全局有序的 Segment 序列。
//
// 已知限制：说话人标签不跨分片统一，同一个人在不同分片可能拿到
// 不同标签。这是接受的行为，不做静默修补。
type Transcriber struct {
	Provider ASRProvider
	Retries  int
	Backoff  time.Duration
	// OnChunk 每完成一个分片回调一次，用于阶段内进度上报
	OnChunk func(done, total int)

	sleep func(time.Duration)
}

func NewTranscriber(provider ASRProvider) *Transcriber {
	return &Transcriber{
		Provider: provider,
		Retries:  3,
		Backoff:  2 * time.Second,
		sleep:    time.Sleep,
	}
}

// TranscribeChunks 整个阶段是原子的：任何分片重试耗尽都返回
// ErrTranscription，不保留部分结果，避免半截转录写进存储。
func (t *Transcriber) TranscribeChunks(ctx context.Context, chunks []core.AudioChunk) ([]core.Segment, error) {
	var segments []core.Segment
	for _, chunk := range chunks {
		utts, err := t.transcribeWithRetry(ctx, chunk.Path)
		if err != nil {
			return nil, core.TranscriptionError(chunk.Index, err)
		}
		for _, u := range utts {
			text := strings.TrimSpace(u.Text)
			if text == "" {
				continue
			}
			segments = append(segments, core.Segment{
				ID:      len(segments),
				StartMS: u.StartMS + chunk.OffsetMS,
				EndMS:   u.EndMS + chunk.OffsetMS,
				Speaker: u.Speaker,
				Text:    text,
			})
		}
		if t.OnChunk != nil {
			t.OnChunk(chunk.Index+1, len(chunks))
		}
	}
	return segments, nil
}

func (t *Transcriber) transcribeWithRetry(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	backoff := t.Backoff
	var lastErr error
	for attempt := 0; attempt <= t.Retries; attempt++ {
		if attempt > 0 {
			t.sleep(backoff)
			backoff *= 2
		}
		utts, err := t.Provider.Transcribe(ctx, audioPath)
		if err == nil {
			return utts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
