package processors

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"videoSearch/core"
)

// FrameExtractor 为每个片段截取起止两张边界帧。
//
// 结束帧取 end_ms 时间点本身的画面；end_ms 超出视频长度时钳制到
// 最后一个可解码帧。文件名由片段 id 和边界决定，重跑覆盖同名文件
// 而不是累积旧图。
type FrameExtractor struct {
	OutDir string

	capture       func(videoPath string, tsMS int64, outPath string) error
	probeDuration func(path string) (int64, error)
}

func NewFrameExtractor(outDir string) *FrameExtractor {
	return &FrameExtractor{
		OutDir:        outDir,
		capture:       ffmpegCaptureFrame,
		probeDuration: probeDurationMS,
	}
}

// FramePaths 返回一个片段两张边界帧的确定性文件名
func FramePaths(outDir string, segmentID int) (start, end string) {
	start = filepath.Join(outDir, fmt.Sprintf("seg_%d_start.jpg", segmentID))
	end = filepath.Join(outDir, fmt.Sprintf("seg_%d_end.jpg", segmentID))
	return start, end
}

func ffmpegCaptureFrame(videoPath string, tsMS int64, outPath string) error {
	args := []string{"-y",
		"-ss", fmt.Sprintf("%.3f", float64(tsMS)/1000),
		"-i", videoPath,
		"-frames:v", "1", "-q:v", "2",
		outPath,
	}
	if err := runFFmpeg(args); err != nil {
		return err
	}
	// ffmpeg 在末尾附近 seek 失败时可能不报错但也不产出文件
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		return fmt.Errorf("no frame decoded at %dms", tsMS)
	}
	return nil
}

// Extract 按存储顺序处理所有片段，返回填好帧路径的副本。
// 单个片段截图失败只记录日志，该片段的帧路径保持为空，阶段继续。
func (f *FrameExtractor) Extract(videoPath string, segments []core.Segment) ([]core.Segment, error) {
	if err := os.MkdirAll(f.OutDir, 0755); err != nil {
		return nil, err
	}

	durMS, err := f.probeDuration(videoPath)
	if err != nil {
		return nil, err
	}

	out := make([]core.Segment, len(segments))
	copy(out, segments)

	for i := range out {
		seg := &out[i]
		startPath, endPath := FramePaths(f.OutDir, seg.ID)

		if err := f.capture(videoPath, clampTS(seg.StartMS, durMS), startPath); err != nil {
			log.Printf("%v", core.FrameCaptureError(seg.ID, err))
		} else {
			seg.StartFramePath = startPath
		}

		if err := f.capture(videoPath, clampTS(seg.EndMS, durMS), endPath); err != nil {
			log.Printf("%v", core.FrameCaptureError(seg.ID, err))
		} else {
			seg.EndFramePath = endPath
		}
	}
	return out, nil
}

// clampTS 把时间戳钳制到视频范围内，末尾留 100ms 保证还有帧可解
func clampTS(tsMS, durMS int64) int64 {
	if durMS > 0 && tsMS > durMS-100 {
		tsMS = durMS - 100
	}
	if tsMS < 0 {
		tsMS = 0
	}
	return tsMS
}
