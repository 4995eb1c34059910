package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"videoSearch/config"
	"videoSearch/core"
)

// ASRProvider 语音转文字+说话人分离，时间戳相对于传入的音频文件
type ASRProvider interface {
	Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error)
}

// ---------------- Mock implementation ----------------

// MockASR 无需 API 的占位实现，按固定间隔生成片段
type MockASR struct {
	probeDuration func(path string) (int64, error)
}

func NewMockASR() *MockASR {
	return &MockASR{probeDuration: probeDurationMS}
}

func (m *MockASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	durMS, err := m.probeDuration(audioPath)
	if err != nil {
		return nil, err
	}
	const segLen = int64(15_000)
	var utts []core.Utterance
	for start := int64(0); start < durMS; start += segLen {
		end := start + segLen
		if end > durMS {
			end = durMS
		}
		// 两个说话人交替，模拟分离结果
		speaker := fmt.Sprintf("Speaker %d", len(utts)%2+1)
		utts = append(utts, core.Utterance{
			StartMS: start,
			EndMS:   end,
			Speaker: speaker,
			Text:    fmt.Sprintf("Placeholder transcript from %ds to %ds", start/1000, end/1000),
		})
	}
	return utts, nil
}

// ---------------- Diarized API implementation ----------------

// DiarizeASR 调用 OpenAI 兼容的 /audio/transcriptions 接口，
// response_format=diarized_json 回传带说话人标签的分段。
// go-openai 没有该响应格式的类型化接口，这一个调用手工发 multipart。
type DiarizeASR struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewDiarizeASR(cfg *config.Config) *DiarizeASR {
	return &DiarizeASR{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.TranscribeModel,
		client:  &http.Client{Timeout: 10 * time.Minute},
		// 转录接口有限流，请求间隔至少 1s
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type diarizedSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Speaker    string  `json:"speaker"`
	Transcript string  `json:"transcript"`
	Text       string  `json:"text"`
}

type diarizedResponse struct {
	Text     string            `json:"text"`
	Segments []diarizedSegment `json:"segments"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (d *DiarizeASR) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", f.Name())
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	_ = mw.WriteField("model", d.model)
	_ = mw.WriteField("response_format", "diarized_json")
	// 说话人分离模型要求的参数
	_ = mw.WriteField("chunking_strategy", "auto")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed diarizedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("transcription API %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("transcription API %d", resp.StatusCode)
	}

	utts := make([]core.Utterance, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		text := seg.Transcript
		if text == "" {
			text = seg.Text
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		utts = append(utts, core.Utterance{
			StartMS: int64(math.Round(seg.Start * 1000)),
			EndMS:   int64(math.Round(seg.End * 1000)),
			Speaker: seg.Speaker,
			Text:    text,
		})
	}
	if len(utts) == 0 && strings.TrimSpace(parsed.Text) != "" {
		// 没有分段信息时退化成单段全文
		durMS, _ := probeDurationMS(audioPath)
		utts = append(utts, core.Utterance{EndMS: durMS, Text: strings.TrimSpace(parsed.Text)})
	}
	if len(utts) == 0 {
		return nil, fmt.Errorf("empty transcription result")
	}
	return utts, nil
}

// PickASRProvider 按 ASR 环境变量选择实现，未配置 API 时降级到 Mock
func PickASRProvider(cfg *config.Config) ASRProvider {
	asr := strings.ToLower(strings.TrimSpace(os.Getenv("ASR")))

	if asr == "mock" {
		return NewMockASR()
	}

	if !cfg.HasValidAPI() {
		config.PrintConfigInstructions()
		log.Println("Warning: API configuration not found, using mock transcription")
		return NewMockASR()
	}
	return NewDiarizeASR(cfg)
}
