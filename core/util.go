package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DataRoot 数据根目录，DATA_ROOT 环境变量可覆盖
func DataRoot() string {
	if v := os.Getenv("DATA_ROOT"); v != "" {
		return v
	}
	return filepath.Join(".", "data")
}

// InputDir 上传的视频保存位置
func InputDir() string { return filepath.Join(DataRoot(), "input") }

// ScreenshotsDir 片段边界截图保存位置
func ScreenshotsDir() string { return filepath.Join(DataRoot(), "screenshots") }

// JobDir 单次任务的临时工作目录
func JobDir(jobID string) string { return filepath.Join(DataRoot(), jobID) }

func NewJobID() string {
	return uuid.NewString()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false) // 不转义HTML字符，保持中文字符原样
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}

// FormatTime 毫秒转 MM:SS 显示格式
func FormatTime(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	sec := ms / 1000
	return fmt.Sprintf("%02d:%02d", sec/60, sec%60)
}

func SaveJSON(path string, data interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
