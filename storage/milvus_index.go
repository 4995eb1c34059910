package storage

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"videoSearch/core"
)

// MilvusIndex Milvus 后端。Build 整体删集合重建，HNSW 余弦索引。
type MilvusIndex struct {
	mc   client.Client
	coll string
	dim  int
}

func NewMilvusIndex() (*MilvusIndex, error) {
	addr := os.Getenv("MILVUS_ADDR")
	if addr == "" {
		addr = "localhost:19530"
	}
	coll := os.Getenv("MILVUS_COLLECTION")
	if coll == "" {
		coll = "segment_embeddings"
	}

	mc, err := client.NewClient(context.Background(), client.Config{
		Address:  addr,
		Username: os.Getenv("MILVUS_USERNAME"),
		Password: os.Getenv("MILVUS_PASSWORD"),
		APIKey:   os.Getenv("MILVUS_API_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}
	return &MilvusIndex{mc: mc, coll: coll}, nil
}

func (m *MilvusIndex) recreateCollection(ctx context.Context, dim int) error {
	has, err := m.mc.HasCollection(ctx, m.coll)
	if err != nil {
		return err
	}
	if has {
		if err := m.mc.DropCollection(ctx, m.coll); err != nil {
			return fmt.Errorf("drop collection: %w", err)
		}
	}

	schema := entity.NewSchema()
	schema.WithField(entity.NewField().WithName("segment_id").WithIsPrimaryKey(true).WithDataType(entity.FieldTypeInt64))
	schema.WithField(entity.NewField().WithName("vector").WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)))
	if err := m.mc.CreateCollection(ctx, schema, int32(2)); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, 8, 200)
	if err != nil {
		return fmt.Errorf("new hnsw index: %w", err)
	}
	if err := m.mc.CreateIndex(ctx, m.coll, "vector", idx, false, client.WithIndexName("idx_vector")); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	m.dim = dim
	return nil
}

func (m *MilvusIndex) Build(records []core.EmbeddingRecord) error {
	ctx := context.Background()
	if len(records) == 0 {
		has, err := m.mc.HasCollection(ctx, m.coll)
		if err != nil {
			return err
		}
		if has {
			return m.mc.DropCollection(ctx, m.coll)
		}
		return nil
	}

	if err := m.recreateCollection(ctx, len(records[0].Vector)); err != nil {
		return err
	}

	ids := make([]int64, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, rec := range records {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		NormalizeL2(vec)
		ids = append(ids, int64(rec.SegmentID))
		vectors = append(vectors, vec)
	}

	if _, err := m.mc.Insert(ctx, m.coll, "",
		entity.NewColumnInt64("segment_id", ids),
		entity.NewColumnFloatVector("vector", m.dim, vectors),
	); err != nil {
		return fmt.Errorf("insert embeddings: %w", err)
	}
	if err := m.mc.Flush(ctx, m.coll, false); err != nil {
		return fmt.Errorf("flush collection: %w", err)
	}
	return m.mc.LoadCollection(ctx, m.coll, false)
}

func (m *MilvusIndex) Query(vec []float32, k int) ([]ScoredRecord, error) {
	if k <= 0 {
		k = 5
	}
	q := make([]float32, len(vec))
	copy(q, vec)
	NormalizeL2(q)

	ctx := context.Background()
	sp, _ := entity.NewIndexHNSWSearchParam(74)
	res, err := m.mc.Search(ctx, m.coll, []string{}, "", []string{"segment_id"},
		[]entity.Vector{entity.FloatVector(q)}, "vector", entity.COSINE, k, sp)
	if err != nil {
		return nil, err
	}

	var out []ScoredRecord
	for _, r := range res {
		idCol, ok := r.IDs.(*entity.ColumnInt64)
		if !ok {
			continue
		}
		data := idCol.Data()
		for i := 0; i < r.ResultCount && i < len(data); i++ {
			out = append(out, ScoredRecord{
				SegmentID: int(data[i]),
				Score:     float64(r.Scores[i]),
			})
		}
	}
	// Milvus 不保证同分顺序，这里补确定性的次序
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SegmentID < out[j].SegmentID
	})
	if k < len(out) {
		out = out[:k]
	}
	return out, nil
}

func (m *MilvusIndex) Load(validIDs []int) error {
	ctx := context.Background()
	has, err := m.mc.HasCollection(ctx, m.coll)
	if err != nil {
		return err
	}
	if !has {
		if len(validIDs) > 0 {
			return core.IndexConsistencyError(fmt.Sprintf(
				"collection missing but segment store has %d segments", len(validIDs)))
		}
		return nil
	}
	if err := m.mc.LoadCollection(ctx, m.coll, false); err != nil {
		return err
	}

	rs, err := m.mc.Query(ctx, m.coll, nil, "segment_id >= 0", []string{"segment_id"})
	if err != nil {
		return err
	}
	var indexed []int
	for _, col := range rs {
		if idCol, ok := col.(*entity.ColumnInt64); ok && idCol.Name() == "segment_id" {
			for _, id := range idCol.Data() {
				indexed = append(indexed, int(id))
			}
		}
	}
	sort.Ints(indexed)
	return validateIDSet(indexed, validIDs)
}

func (m *MilvusIndex) Count() int {
	ctx := context.Background()
	rs, err := m.mc.Query(ctx, m.coll, nil, "segment_id >= 0", []string{"segment_id"})
	if err != nil {
		return 0
	}
	for _, col := range rs {
		if idCol, ok := col.(*entity.ColumnInt64); ok && idCol.Name() == "segment_id" {
			return idCol.Len()
		}
	}
	return 0
}
