package processors

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"videoSearch/config"
	"videoSearch/core"
)

// 支持的上传格式，白名单外的扩展名在任何阶段开始前拒绝
var allowedVideoExts = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".avi": {}, ".mov": {},
	".wmv": {}, ".flv": {}, ".webm": {}, ".m4v": {},
}

func ExtensionAllowed(ext string) bool {
	_, ok := allowedVideoExts[strings.ToLower(ext)]
	return ok
}

func runFFmpeg(args []string) error {
	cmd := exec.Command("ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %v: %s", strings.Join(args, " "), err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// probeDurationMS 用 ffprobe 读取媒体总时长（毫秒）
func probeDurationMS(path string) (int64, error) {
	cmd := exec.Command("ffprobe", "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(out.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration of %s: %w", path, err)
	}
	return int64(math.Round(sec * 1000)), nil
}

// probeHasAudio 检查文件是否有音频流
func probeHasAudio(path string) (bool, error) {
	cmd := exec.Command("ffprobe", "-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "default=noprint_wrappers=1:nokey=1", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return strings.Contains(out.String(), "audio"), nil
}

// ExtractAudio 从视频中提取音轨：aac 128k 16kHz 单声道（转录 API 推荐参数）。
// 源文件没有音频流时返回 ErrAudioExtraction。
func ExtractAudio(inputPath, audioOut string) error {
	hasAudio, err := probeHasAudio(inputPath)
	if err != nil {
		return core.AudioExtractionError(err.Error())
	}
	if !hasAudio {
		return core.AudioExtractionError(fmt.Sprintf("no audio stream in %s", inputPath))
	}

	args := []string{"-y"}

	// Add GPU acceleration if enabled
	cfg, err := config.Load()
	if err == nil && cfg.GPUAcceleration {
		gpuType := cfg.GPUType
		if gpuType == "auto" {
			gpuType = detectGPUType()
		}
		if gpuType != "cpu" {
			args = append(args, hardwareAccelArgs(gpuType)...)
		}
	}

	args = append(args, "-i", inputPath, "-vn",
		"-acodec", "aac", "-b:a", "128k", "-ar", "16000", "-ac", "1",
		audioOut)
	if err := runFFmpeg(args); err != nil {
		return core.AudioExtractionError(err.Error())
	}
	return nil
}

// detectGPUType detects available GPU hardware acceleration
func detectGPUType() string {
	if checkFFmpegEncoder("h264_nvenc") {
		return "nvidia"
	}
	if checkFFmpegEncoder("h264_amf") {
		return "amd"
	}
	if checkFFmpegEncoder("h264_qsv") {
		return "intel"
	}
	return "cpu"
}

// checkFFmpegEncoder checks if a specific encoder is available in ffmpeg
func checkFFmpegEncoder(encoder string) bool {
	cmd := exec.Command("ffmpeg", "-encoders")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return false
	}
	return strings.Contains(out.String(), encoder)
}

// hardwareAccelArgs returns ffmpeg arguments for hardware acceleration
func hardwareAccelArgs(gpuType string) []string {
	switch gpuType {
	case "nvidia":
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	case "amd":
		return []string{"-hwaccel", "d3d11va"}
	case "intel":
		return []string{"-hwaccel", "qsv"}
	default:
		return []string{}
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
