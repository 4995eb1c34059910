package processors

import (
	"fmt"
	"os"
	"path/filepath"

	"videoSearch/core"
)

// AudioSplitter 把音轨切成不超过单次请求字节上限的分片。
// 压缩后每片的实际大小事先未知，先按时长比例估算，编码后验证，
// 超限的片递归对半切，直到低于最短片长为止。
type AudioSplitter struct {
	MaxChunkBytes int64
	MinSliceMS    int64

	// 可替换的外部调用，测试时注入
	probeDuration func(path string) (int64, error)
	fileSize      func(path string) (int64, error)
	encodeSlice   func(src string, startMS, durMS int64, dst string) error
}

func NewAudioSplitter(maxChunkBytes, minSliceMS int64) *AudioSplitter {
	return &AudioSplitter{
		MaxChunkBytes: maxChunkBytes,
		MinSliceMS:    minSliceMS,
		probeDuration: probeDurationMS,
		fileSize:      fileSize,
		encodeSlice:   ffmpegSlice,
	}
}

// ffmpegSlice 重新编码一段音频，与整轨提取用同样的编码参数
func ffmpegSlice(src string, startMS, durMS int64, dst string) error {
	args := []string{"-y",
		"-i", src,
		"-ss", fmt.Sprintf("%.3f", float64(startMS)/1000),
		"-t", fmt.Sprintf("%.3f", float64(durMS)/1000),
		"-acodec", "aac", "-b:a", "128k", "-ar", "16000", "-ac", "1",
		dst,
	}
	return runFFmpeg(args)
}

// Split 返回按时间顺序排列的分片。整轨已在上限内时不重新编码，
// 直接作为唯一分片返回。分片文件写入 workDir。
func (s *AudioSplitter) Split(audioPath, workDir string) ([]core.AudioChunk, error) {
	size, err := s.fileSize(audioPath)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	durMS, err := s.probeDuration(audioPath)
	if err != nil {
		return nil, fmt.Errorf("probe audio duration: %w", err)
	}
	if durMS <= 0 {
		return nil, core.AudioExtractionError("audio track has zero duration")
	}

	if size <= s.MaxChunkBytes {
		return []core.AudioChunk{{
			Index:      0,
			Path:       audioPath,
			OffsetMS:   0,
			DurationMS: durMS,
			ByteSize:   size,
		}}, nil
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, err
	}

	// 按平均码率估算目标片长，留 10% 余量吸收码率波动
	estMS := durMS * s.MaxChunkBytes / size * 9 / 10
	if estMS < s.MinSliceMS {
		estMS = s.MinSliceMS
	}

	var chunks []core.AudioChunk
	for start := int64(0); start < durMS; start += estMS {
		sliceMS := estMS
		if start+sliceMS > durMS {
			sliceMS = durMS - start
		}
		if err := s.emit(audioPath, workDir, start, sliceMS, &chunks); err != nil {
			return nil, err
		}
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// emit 编码一片并验证大小，超限时对半递归。文件名带起始毫秒，
// 字典序即时间序。
func (s *AudioSplitter) emit(src, workDir string, startMS, sliceMS int64, chunks *[]core.AudioChunk) error {
	dst := filepath.Join(workDir, fmt.Sprintf("chunk_%010d.m4a", startMS))
	if err := s.encodeSlice(src, startMS, sliceMS, dst); err != nil {
		return core.AudioExtractionError(fmt.Sprintf("encode slice at %dms: %v", startMS, err))
	}
	size, err := s.fileSize(dst)
	if err != nil {
		return err
	}
	if size > s.MaxChunkBytes {
		os.Remove(dst)
		half := sliceMS / 2
		// 递归下界：低于最短片长还超限说明码率异常，直接报错而不是死循环
		if half < s.MinSliceMS {
			return core.AudioExtractionError(fmt.Sprintf(
				"slice at %dms still %d bytes over %d at minimum duration %dms",
				startMS, size, s.MaxChunkBytes, s.MinSliceMS))
		}
		if err := s.emit(src, workDir, startMS, half, chunks); err != nil {
			return err
		}
		return s.emit(src, workDir, startMS+half, sliceMS-half, chunks)
	}
	*chunks = append(*chunks, core.AudioChunk{
		Path:       dst,
		OffsetMS:   startMS,
		DurationMS: sliceMS,
		ByteSize:   size,
	})
	return nil
}
