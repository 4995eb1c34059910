package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"videoSearch/core"
)

// SegmentStore 转录片段的持久化存储，单一事实来源：
// 截图阶段和索引阶段都从这里读，检索结果也从这里解析。
// 由 Transcriber 整体写入，FrameExtractor 原位补帧路径，此后只读。
type SegmentStore struct {
	db *sql.DB
}

func OpenSegmentStore(path string) (*SegmentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open segment store: %w", err)
	}
	s := &SegmentStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SegmentStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			speaker TEXT,
			text TEXT NOT NULL,
			start_image TEXT,
			end_image TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create transcripts table: %w", err)
	}
	return nil
}

// ReplaceAll 原子替换全部片段，id 即插入顺序
func (s *SegmentStore) ReplaceAll(segments []core.Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM transcripts`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO transcripts (id, start_ms, end_ms, speaker, text, start_image, end_image)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err := stmt.Exec(seg.ID, seg.StartMS, seg.EndMS, seg.Speaker, seg.Text,
			seg.StartFramePath, seg.EndFramePath); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateFramePaths 截图阶段回写边界帧文件路径
func (s *SegmentStore) UpdateFramePaths(id int, startPath, endPath string) error {
	res, err := s.db.Exec(`UPDATE transcripts SET start_image = ?, end_image = ? WHERE id = ?`,
		startPath, endPath, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("segment %d not found", id)
	}
	return nil
}

// All 按 id 升序返回全部片段（即时间顺序）
func (s *SegmentStore) All() ([]core.Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, start_ms, end_ms, speaker, text, start_image, end_image
		FROM transcripts ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []core.Segment
	for rows.Next() {
		var seg core.Segment
		var speaker, startImage, endImage sql.NullString
		if err := rows.Scan(&seg.ID, &seg.StartMS, &seg.EndMS, &speaker, &seg.Text,
			&startImage, &endImage); err != nil {
			return nil, err
		}
		seg.Speaker = speaker.String
		seg.StartFramePath = startImage.String
		seg.EndFramePath = endImage.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Get 按 id 查单个片段
func (s *SegmentStore) Get(id int) (core.Segment, bool, error) {
	var seg core.Segment
	var speaker, startImage, endImage sql.NullString
	err := s.db.QueryRow(`
		SELECT id, start_ms, end_ms, speaker, text, start_image, end_image
		FROM transcripts WHERE id = ?
	`, id).Scan(&seg.ID, &seg.StartMS, &seg.EndMS, &speaker, &seg.Text, &startImage, &endImage)
	if err == sql.ErrNoRows {
		return core.Segment{}, false, nil
	}
	if err != nil {
		return core.Segment{}, false, err
	}
	seg.Speaker = speaker.String
	seg.StartFramePath = startImage.String
	seg.EndFramePath = endImage.String
	return seg, true, nil
}

// IDs 按升序返回全部片段 id，索引载入时做一致性校验用
func (s *SegmentStore) IDs() ([]int, error) {
	rows, err := s.db.Query(`SELECT id FROM transcripts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SegmentStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transcripts`).Scan(&n)
	return n, err
}

func (s *SegmentStore) Close() error {
	return s.db.Close()
}
