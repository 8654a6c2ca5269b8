package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

const schemaLockID = int64(2026101401)

// ChunkRepository is a ports.VectorIndex on postgres with pgvector. Search
// runs on an HNSW cosine index and tunes hnsw.ef_search per transaction.
type ChunkRepository struct {
	db        *sql.DB
	dimension int
}

func NewChunkRepository(db *sql.DB, dimension int) *ChunkRepository {
	return &ChunkRepository{db: db, dimension: dimension}
}

func (r *ChunkRepository) Dimension() int {
	return r.dimension
}

func (r *ChunkRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS rag_chunks (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	knowledge_base_id TEXT NOT NULL,
	text TEXT NOT NULL,
	position_index INTEGER NOT NULL DEFAULT 0,
	position_offset INTEGER NOT NULL DEFAULT 0,
	position_length INTEGER NOT NULL DEFAULT 0,
	embedding vector(%d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_rag_chunks_kb ON rag_chunks(knowledge_base_id);
CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING hnsw (embedding vector_cosine_ops);
`, r.dimension)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) Upsert(ctx context.Context, chunks []domain.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, chunk := range chunks {
		if len(chunk.Vector) != r.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "postgres upsert",
				fmt.Errorf("chunk %q has dimension %d, table expects %d", chunk.ID, len(chunk.Vector), r.dimension))
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx, `
INSERT INTO rag_chunks (id, document_id, knowledge_base_id, text, position_index, position_offset, position_length, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	document_id = EXCLUDED.document_id,
	knowledge_base_id = EXCLUDED.knowledge_base_id,
	text = EXCLUDED.text,
	position_index = EXCLUDED.position_index,
	position_offset = EXCLUDED.position_offset,
	position_length = EXCLUDED.position_length,
	embedding = EXCLUDED.embedding
`,
			chunk.ID, chunk.DocumentID, chunk.KnowledgeBaseID, chunk.Text,
			chunk.Position.Index, chunk.Position.Offset, chunk.Position.Length,
			pgvector.NewVector(chunk.Vector),
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (r *ChunkRepository) Search(ctx context.Context, vector []float32, k, efSearch int, knowledgeBaseID string) ([]domain.ScoredChunk, error) {
	if len(vector) != r.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "postgres search",
			fmt.Errorf("query has dimension %d, table expects %d", len(vector), r.dimension))
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin search tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if efSearch > 0 {
		// SET does not take bind parameters; efSearch is an int.
		if _, err := tx.ExecContext(ctx, "SET LOCAL hnsw.ef_search = "+strconv.Itoa(efSearch)); err != nil {
			return nil, fmt.Errorf("set ef_search: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, document_id, knowledge_base_id, text, position_index, position_offset, position_length,
	1 - (embedding <=> $1) AS score
FROM rag_chunks
WHERE ($2 = '' OR knowledge_base_id = $2)
ORDER BY embedding <=> $1
LIMIT $3
`, pgvector.NewVector(vector), knowledgeBaseID, k)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScoredChunk, 0, k)
	for rows.Next() {
		var item domain.ScoredChunk
		c := &item.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.KnowledgeBaseID, &c.Text,
			&c.Position.Index, &c.Position.Offset, &c.Position.Length, &item.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit search tx: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) DeleteDocument(ctx context.Context, documentID string) ([]string, error) {
	return r.deleteReturning(ctx, `DELETE FROM rag_chunks WHERE document_id = $1 RETURNING id`, documentID)
}

func (r *ChunkRepository) DeleteKnowledgeBase(ctx context.Context, knowledgeBaseID string) ([]string, error) {
	return r.deleteReturning(ctx, `DELETE FROM rag_chunks WHERE knowledge_base_id = $1 RETURNING id`, knowledgeBaseID)
}

func (r *ChunkRepository) deleteReturning(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *ChunkRepository) Exists(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		out[id] = false
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM rag_chunks WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk ids: %w", err)
	}
	return out, nil
}
