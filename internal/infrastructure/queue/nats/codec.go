package nats

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

type chunkBatch struct {
	Chunks []domain.ChunkRecord `json:"chunks"`
}

func encodeChunkBatch(chunks []domain.ChunkRecord) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode chunk batch", errors.New("batch is empty"))
	}
	data, err := json.Marshal(chunkBatch{Chunks: chunks})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk batch: %w", err)
	}
	return data, nil
}

func decodeChunkBatch(data []byte) ([]domain.ChunkRecord, error) {
	var batch chunkBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decode chunk batch", err)
	}
	for _, chunk := range batch.Chunks {
		if chunk.ID == "" || chunk.DocumentID == "" || len(chunk.Vector) == 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "decode chunk batch", fmt.Errorf("chunk %q is incomplete", chunk.ID))
		}
	}
	return batch.Chunks, nil
}

func encodeDeletion(notice domain.DeletionNotice) ([]byte, error) {
	if notice.DocumentID == "" && notice.KnowledgeBaseID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "encode deletion", errors.New("notice names neither a document nor a knowledge base"))
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return nil, fmt.Errorf("marshal deletion notice: %w", err)
	}
	return data, nil
}

func decodeDeletion(data []byte) (domain.DeletionNotice, error) {
	var notice domain.DeletionNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return domain.DeletionNotice{}, domain.WrapError(domain.ErrInvalidInput, "decode deletion", err)
	}
	if notice.DocumentID == "" && notice.KnowledgeBaseID == "" {
		return domain.DeletionNotice{}, domain.WrapError(domain.ErrInvalidInput, "decode deletion", errors.New("empty notice"))
	}
	return notice, nil
}
