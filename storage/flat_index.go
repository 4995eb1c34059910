package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"videoSearch/core"
)

// FlatIndex 默认后端：内存中的精确内积扫描，gob 落盘。
// 向量在 Build 时 L2 归一化，内积即余弦相似度。
//
// 快照整体换指针：Build 先建新快照、写盘成功后才替换，查询方
// 任何时刻看到的都是一个完整的索引。
type FlatIndex struct {
	path string
	snap atomic.Pointer[flatSnapshot]
}

type flatSnapshot struct {
	IDs     []int
	Vectors [][]float32
}

func NewFlatIndex(path string) *FlatIndex {
	idx := &FlatIndex{path: path}
	idx.snap.Store(&flatSnapshot{})
	return idx
}

func (f *FlatIndex) Count() int {
	return len(f.snap.Load().IDs)
}

func (f *FlatIndex) Build(records []core.EmbeddingRecord) error {
	sorted := make([]core.EmbeddingRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SegmentID < sorted[j].SegmentID })

	snap := &flatSnapshot{
		IDs:     make([]int, len(sorted)),
		Vectors: make([][]float32, len(sorted)),
	}
	for i, rec := range sorted {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		NormalizeL2(vec)
		snap.IDs[i] = rec.SegmentID
		snap.Vectors[i] = vec
	}

	if err := f.persist(snap); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	f.snap.Store(snap)
	return nil
}

// persist 写临时文件再改名，崩溃也不会留下半截索引文件
func (f *FlatIndex) persist(snap *flatSnapshot) error {
	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(file).Encode(snap); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FlatIndex) Query(vec []float32, k int) ([]ScoredRecord, error) {
	snap := f.snap.Load()
	if len(snap.IDs) == 0 {
		return nil, nil
	}

	q := make([]float32, len(vec))
	copy(q, vec)
	NormalizeL2(q)

	scored := make([]ScoredRecord, len(snap.IDs))
	for i, v := range snap.Vectors {
		scored[i] = ScoredRecord{SegmentID: snap.IDs[i], Score: dot(q, v)}
	}
	// 同分按 id 升序，结果确定
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].SegmentID < scored[j].SegmentID
	})

	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

// Load 从磁盘恢复快照并校验 id 集合。索引文件不存在时：
// 存储也为空则正常空索引，存储非空则视为不一致。
func (f *FlatIndex) Load(validIDs []int) error {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		if len(validIDs) > 0 {
			return core.IndexConsistencyError(fmt.Sprintf(
				"index file missing but segment store has %d segments", len(validIDs)))
		}
		f.snap.Store(&flatSnapshot{})
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	var snap flatSnapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return fmt.Errorf("decode index file: %w", err)
	}

	if err := validateIDSet(snap.IDs, validIDs); err != nil {
		return err
	}
	f.snap.Store(&snap)
	return nil
}

// validateIDSet 比较索引内外两个 id 集合，差异即一致性错误
func validateIDSet(indexed, valid []int) error {
	validSet := make(map[int]struct{}, len(valid))
	for _, id := range valid {
		validSet[id] = struct{}{}
	}
	for _, id := range indexed {
		if _, ok := validSet[id]; !ok {
			return core.IndexConsistencyError(fmt.Sprintf("indexed segment %d not in segment store", id))
		}
	}
	if len(indexed) != len(valid) {
		return core.IndexConsistencyError(fmt.Sprintf(
			"index has %d records, segment store has %d segments", len(indexed), len(valid)))
	}
	return nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
