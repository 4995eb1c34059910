package storage

import (
	"log"
	"path/filepath"

	"videoSearch/config"
	"videoSearch/core"
)

// ScoredRecord 一条检索命中：片段 id 和相似度（越大越相关）
type ScoredRecord struct {
	SegmentID int
	Score     float64
}

// VectorIndex 片段嵌入上的最近邻结构。
//
// Build 原子替换全部内容——每次摄取都从完整的 SegmentStore 重建，
// 不做增量更新，陈旧行无从累积。构建完成前查询方看到的一直是
// 上一次建好的索引。
//
// Query 返回相似度最高的 k 条，降序；同分按 segment id 升序，
// 保证结果确定。k 超过索引规模时返回全部。
//
// Load 从持久化存储恢复，并用 SegmentStore 的 id 集合校验，
// 不一致返回 ErrIndexConsistency 而不是静默吞掉。
type VectorIndex interface {
	Build(records []core.EmbeddingRecord) error
	Query(vec []float32, k int) ([]ScoredRecord, error)
	Load(validIDs []int) error
	Count() int
}

// IndexPath 默认平面索引的落盘位置
func IndexPath() string {
	return filepath.Join(core.DataRoot(), "transcript.index")
}

// NewVectorIndex 按配置选择后端，初始化失败时退回平面索引
func NewVectorIndex(cfg *config.Config) VectorIndex {
	switch cfg.Store {
	case "pgvector":
		idx, err := NewPgVectorIndex(cfg)
		if err != nil {
			log.Printf("Warning: Failed to initialize pgvector index (%v), falling back to flat index", err)
			return NewFlatIndex(IndexPath())
		}
		return idx
	case "milvus":
		idx, err := NewMilvusIndex()
		if err != nil {
			log.Printf("Warning: Failed to initialize Milvus index (%v), falling back to flat index", err)
			return NewFlatIndex(IndexPath())
		}
		return idx
	default:
		return NewFlatIndex(IndexPath())
	}
}
