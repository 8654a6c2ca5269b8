package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/core/ports"
)

const defaultEventTimeout = 2 * time.Minute

// Maintenance keeps the index and the caches consistent with document
// lifecycle events. Deletion is authoritative: postings are retracted first,
// then every cache entry tagged with the document or knowledge base is purged.
type Maintenance struct {
	retriever *Retriever
	cache     ports.TieredCache
	publisher ports.DeletionPublisher
	logger    *slog.Logger

	eventTimeout time.Duration
}

func NewMaintenance(retriever *Retriever, cache ports.TieredCache, publisher ports.DeletionPublisher, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		retriever: retriever,
		cache:     cache,
		publisher: publisher,
		logger:    logger,

		eventTimeout: defaultEventTimeout,
	}
}

func (m *Maintenance) InsertChunks(ctx context.Context, chunks []domain.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := m.retriever.Insert(ctx, chunks); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "chunks_indexed", "count", len(chunks))
	return nil
}

func (m *Maintenance) RemoveDocument(ctx context.Context, documentID string) (domain.RemovalReport, error) {
	report, err := m.removeDocument(ctx, documentID)
	if err != nil {
		return report, err
	}
	m.publish(ctx, domain.DeletionNotice{DocumentID: documentID})
	return report, nil
}

func (m *Maintenance) RemoveKnowledgeBase(ctx context.Context, knowledgeBaseID string) (domain.RemovalReport, error) {
	report, err := m.removeKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return report, err
	}
	m.publish(ctx, domain.DeletionNotice{KnowledgeBaseID: knowledgeBaseID})
	return report, nil
}

// ApplyDeletion handles a notice from the document store or a peer process.
// It does not republish.
func (m *Maintenance) ApplyDeletion(ctx context.Context, notice domain.DeletionNotice) (domain.RemovalReport, error) {
	switch {
	case notice.DocumentID != "":
		return m.removeDocument(ctx, notice.DocumentID)
	case notice.KnowledgeBaseID != "":
		return m.removeKnowledgeBase(ctx, notice.KnowledgeBaseID)
	default:
		return domain.RemovalReport{}, domain.WrapError(domain.ErrInvalidInput, "apply deletion", fmt.Errorf("notice names neither a document nor a knowledge base"))
	}
}

func (m *Maintenance) removeDocument(ctx context.Context, documentID string) (domain.RemovalReport, error) {
	ids, err := m.retriever.RemoveDocument(ctx, documentID)
	if err != nil {
		return domain.RemovalReport{DocumentID: documentID}, err
	}
	invalidated := m.cache.InvalidateTags(ctx, domain.DocumentTag(documentID))
	m.logger.InfoContext(ctx, "document_removed", "document_id", documentID, "chunks", len(ids), "cache_entries", invalidated)
	return domain.RemovalReport{
		DocumentID:        documentID,
		RemovedChunkIDs:   ids,
		InvalidatedCached: invalidated,
	}, nil
}

func (m *Maintenance) removeKnowledgeBase(ctx context.Context, knowledgeBaseID string) (domain.RemovalReport, error) {
	ids, err := m.retriever.RemoveKnowledgeBase(ctx, knowledgeBaseID)
	if err != nil {
		return domain.RemovalReport{KnowledgeBaseID: knowledgeBaseID}, err
	}
	invalidated := m.cache.InvalidateTags(ctx, domain.KnowledgeBaseTag(knowledgeBaseID))
	m.logger.InfoContext(ctx, "knowledge_base_removed", "knowledge_base_id", knowledgeBaseID, "chunks", len(ids), "cache_entries", invalidated)
	return domain.RemovalReport{
		KnowledgeBaseID:   knowledgeBaseID,
		RemovedChunkIDs:   ids,
		InvalidatedCached: invalidated,
	}, nil
}

func (m *Maintenance) publish(ctx context.Context, notice domain.DeletionNotice) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishDeletion(ctx, notice); err != nil {
		m.logger.WarnContext(ctx, "deletion_publish_failed", "document_id", notice.DocumentID, "knowledge_base_id", notice.KnowledgeBaseID, "error", err)
	}
}

func (m *Maintenance) FlushCaches(ctx context.Context, tiers ...domain.CacheTier) int {
	removed := m.cache.Flush(ctx, tiers...)
	m.logger.InfoContext(ctx, "cache_flushed", "tiers", tiers, "removed", removed)
	return removed
}

func (m *Maintenance) CacheStats() []domain.CacheStats {
	return m.cache.Stats()
}

// ConsumeChunkBatches indexes the chunk batches delivered by source until ctx
// ends. Each batch runs under its own deadline; observer may be nil.
func (m *Maintenance) ConsumeChunkBatches(ctx context.Context, source ports.IndexEventSource, observer ports.EventObserver) error {
	return source.SubscribeChunkBatches(ctx, func(ctx context.Context, chunks []domain.ChunkRecord) error {
		ctx, finish := m.startEvent(ctx, observer, "chunks")
		err := m.InsertChunks(ctx, chunks)
		finish(len(chunks), err)
		return err
	})
}

// ConsumeDeletions applies the deletion notices delivered by source until ctx
// ends, without republishing them.
func (m *Maintenance) ConsumeDeletions(ctx context.Context, source ports.IndexEventSource, observer ports.EventObserver) error {
	return source.SubscribeDeletions(ctx, func(ctx context.Context, notice domain.DeletionNotice) error {
		ctx, finish := m.startEvent(ctx, observer, "deletion")
		report, err := m.ApplyDeletion(ctx, notice)
		finish(len(report.RemovedChunkIDs), err)
		return err
	})
}

func (m *Maintenance) startEvent(ctx context.Context, observer ports.EventObserver, kind string) (context.Context, func(int, error)) {
	ctx, cancel := context.WithTimeout(ctx, m.eventTimeout)
	if observer != nil {
		observer.StartEvent()
	}
	start := time.Now()
	return ctx, func(chunks int, err error) {
		cancel()
		if observer != nil {
			observer.FinishEvent(kind, chunks, time.Since(start), err)
		}
	}
}
