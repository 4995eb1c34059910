package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"os"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videoSearch/config"
)

// Embedder 文字到共享表示空间的定长向量。同一输入同一模型版本
// 必须得到同一向量，检索结果才可复现。
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ---------------- OpenAI-compatible API implementation ----------------

const embedBatchSize = 32

// OpenAIEmbedder 通过 API 取嵌入。客户端建一次常驻复用，
// 模型载入成本摊到一次摄取或一次查询的全部调用上，不按调用付。
type OpenAIEmbedder struct {
	cli   *openai.Client
	model string
	dim   int
}

func NewOpenAIEmbedder(cfg *config.Config) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		cli:   openai.NewClientWithConfig(clientConfig),
		model: cfg.EmbeddingModel,
		dim:   1536,
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := e.cli.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts[start:end],
		})
		if err != nil {
			return nil, fmt.Errorf("embedding API failed: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			copy(vec, d.Embedding)
			NormalizeL2(vec)
			out = append(out, vec)
		}
	}
	if len(out) > 0 {
		e.dim = len(out[0])
	}
	return out, nil
}

// ---------------- Local hash implementation ----------------

// HashEmbedder 本地确定性嵌入：分词后特征哈希到定长词袋向量，
// L2 归一化。没有配置 API 时的降级实现，也是测试用实现。
type HashEmbedder struct {
	Dim int
}

func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dim: 512}
}

func (e *HashEmbedder) Dimension() int { return e.Dim }

func (e *HashEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.Dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			h.Write([]byte(tok))
			sum := h.Sum32()
			bucket := int(sum % uint32(e.Dim))
			// 最高位决定符号，减小哈希碰撞造成的系统性偏置
			if sum&0x80000000 != 0 {
				vec[bucket] -= 1
			} else {
				vec[bucket] += 1
			}
		}
		NormalizeL2(vec)
		out[i] = vec
	}
	return out, nil
}

var nonLetter = regexp.MustCompile(`[^a-zA-Z0-9\p{Han}]+`)
var stops = map[string]struct{}{"the": {}, "and": {}, "a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "that": {}, "this": {}, "it": {}, "as": {}, "at": {}, "be": {}, "by": {}, "from": {}}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	s = nonLetter.ReplaceAllString(s, " ")
	parts := strings.Fields(s)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, ok := stops[p]; ok {
			continue
		}
		out = append(out, p)
	}
	return out
}

// NormalizeL2 原地归一化；零向量原样返回
func NormalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// PickEmbedder 配置了 API 用 API 嵌入，否则降级到本地哈希嵌入
func PickEmbedder(cfg *config.Config) Embedder {
	if emb := strings.ToLower(strings.TrimSpace(os.Getenv("EMBEDDER"))); emb == "hash" {
		return NewHashEmbedder()
	}
	if !cfg.HasValidAPI() {
		log.Println("Warning: API configuration not found, using local hash embeddings")
		return NewHashEmbedder()
	}
	return NewOpenAIEmbedder(cfg)
}
