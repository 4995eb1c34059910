package core

import (
	"errors"
	"fmt"
)

// 错误分类：各阶段失败的哨兵错误，调用方用 errors.Is 判断
var (
	// ErrUnsupportedFormat 上传的文件扩展名不在允许列表内，任何阶段开始前就拒绝
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrAudioExtraction 源文件没有音频流，或音频无法编码到限制以下
	ErrAudioExtraction = errors.New("audio extraction failed")
	// ErrTranscription 转录外部调用重试耗尽，整个阶段原子失败
	ErrTranscription = errors.New("transcription failed")
	// ErrFrameCapture 单个片段截图失败，按片段记录，不中止阶段
	ErrFrameCapture = errors.New("frame capture failed")
	// ErrIndexConsistency 索引载入时 segment id 集合与 SegmentStore 不一致
	ErrIndexConsistency = errors.New("vector index inconsistent with segment store")
	// ErrBusy 已有任务在非终止状态，拒绝新的上传
	ErrBusy = errors.New("another ingestion job is active")
)

func UnsupportedFormatError(ext string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

func AudioExtractionError(detail string) error {
	return fmt.Errorf("%w: %s", ErrAudioExtraction, detail)
}

func TranscriptionError(chunkIndex int, cause error) error {
	return fmt.Errorf("%w: chunk %d: %v", ErrTranscription, chunkIndex, cause)
}

func FrameCaptureError(segmentID int, cause error) error {
	return fmt.Errorf("%w: segment %d: %v", ErrFrameCapture, segmentID, cause)
}

func IndexConsistencyError(detail string) error {
	return fmt.Errorf("%w: %s", ErrIndexConsistency, detail)
}
