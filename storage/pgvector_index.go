package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"videoSearch/config"
	"videoSearch/core"
)

// PgVectorIndex pgvector 后端。每次 Build 在一个事务里清空重插，
// 查询用 <=> 余弦距离走 ivfflat 索引。
type PgVectorIndex struct {
	conn *pgx.Conn
	dim  int
}

func NewPgVectorIndex(cfg *config.Config) (*PgVectorIndex, error) {
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("create vector extension: %w", err)
	}
	return &PgVectorIndex{conn: conn}, nil
}

// ensureTable 维度来自首个向量，表按该维度建；维度变了重建表
func (p *PgVectorIndex) ensureTable(ctx context.Context, dim int) error {
	if p.dim == dim {
		return nil
	}
	if p.dim != 0 {
		if _, err := p.conn.Exec(ctx, `DROP TABLE IF EXISTS segment_embeddings`); err != nil {
			return err
		}
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS segment_embeddings (
			segment_id INTEGER PRIMARY KEY,
			embedding vector(%d) NOT NULL
		);
	`, dim)
	if _, err := p.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create segment_embeddings table: %w", err)
	}
	p.dim = dim
	return nil
}

func (p *PgVectorIndex) Build(records []core.EmbeddingRecord) error {
	ctx := context.Background()
	if len(records) == 0 {
		_, err := p.conn.Exec(ctx, `DELETE FROM segment_embeddings`)
		return err
	}
	if err := p.ensureTable(ctx, len(records[0].Vector)); err != nil {
		return err
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segment_embeddings`); err != nil {
		return err
	}
	for _, rec := range records {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		NormalizeL2(vec)
		if _, err := tx.Exec(ctx,
			`INSERT INTO segment_embeddings (segment_id, embedding) VALUES ($1, $2)`,
			rec.SegmentID, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("insert embedding for segment %d: %w", rec.SegmentID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	return p.ensureVectorIndex(ctx, len(records))
}

// ensureVectorIndex 按数据量调 ivfflat 的 lists 参数后重建索引
func (p *PgVectorIndex) ensureVectorIndex(ctx context.Context, count int) error {
	lists := 100
	if count > 10000 {
		lists = count / 100
		if lists > 1000 {
			lists = 1000
		}
	} else if count < 1000 {
		lists = 10
	}

	if _, err := p.conn.Exec(ctx, `DROP INDEX IF EXISTS idx_segment_embeddings_embedding;`); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		CREATE INDEX idx_segment_embeddings_embedding
		ON segment_embeddings
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d);
	`, lists)
	if _, err := p.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Query(vec []float32, k int) ([]ScoredRecord, error) {
	if k <= 0 {
		k = 5
	}
	q := make([]float32, len(vec))
	copy(q, vec)
	NormalizeL2(q)

	ctx := context.Background()
	rows, err := p.conn.Query(ctx, `
		SELECT segment_id, 1 - (embedding <=> $1) AS similarity
		FROM segment_embeddings
		ORDER BY embedding <=> $1, segment_id
		LIMIT $2
	`, pgvector.NewVector(q), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredRecord
	for rows.Next() {
		var rec ScoredRecord
		if err := rows.Scan(&rec.SegmentID, &rec.Score); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PgVectorIndex) Load(validIDs []int) error {
	ctx := context.Background()
	rows, err := p.conn.Query(ctx, `SELECT segment_id FROM segment_embeddings ORDER BY segment_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var indexed []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return err
		}
		indexed = append(indexed, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return validateIDSet(indexed, validIDs)
}

func (p *PgVectorIndex) Count() int {
	var n int
	if err := p.conn.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM segment_embeddings`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (p *PgVectorIndex) Close() error {
	return p.conn.Close(context.Background())
}
