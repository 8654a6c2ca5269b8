package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/resilience"
)

// Queue carries chunk batches (load-balanced over a queue group) and deletion
// notices (fanned out to every subscriber).
type Queue struct {
	conn            *nats.Conn
	chunkSubject    string
	deletionSubject string
	queueGroup      string
	executor        *resilience.Executor
	logger          *slog.Logger
}

type Options struct {
	ChunkSubject         string
	DeletionSubject      string
	QueueGroup           string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSubject == "" {
		o.ChunkSubject = "rag.chunks"
	}
	if o.DeletionSubject == "" {
		o.DeletionSubject = "rag.deletions"
	}
	if o.QueueGroup == "" {
		o.QueueGroup = "indexers"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func New(url string, options Options) (*Queue, error) {
	options = options.withDefaults()
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger

	conn, err := nats.Connect(
		url,
		nats.Name("rag-query-pipeline"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:            conn,
		chunkSubject:    options.ChunkSubject,
		deletionSubject: options.DeletionSubject,
		queueGroup:      options.QueueGroup,
		executor:        options.ResilienceExecutor,
		logger:          logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishChunks(ctx context.Context, chunks []domain.ChunkRecord) error {
	data, err := encodeChunkBatch(chunks)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.chunkSubject, data)
}

func (q *Queue) PublishDeletion(ctx context.Context, notice domain.DeletionNotice) error {
	data, err := encodeDeletion(notice)
	if err != nil {
		return err
	}
	return q.publish(ctx, q.deletionSubject, data)
}

func (q *Queue) publish(ctx context.Context, subject string, data []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

func (q *Queue) SubscribeChunkBatches(ctx context.Context, handler func(context.Context, []domain.ChunkRecord) error) error {
	sub, err := q.conn.QueueSubscribe(q.chunkSubject, q.queueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		chunks, err := decodeChunkBatch(msg.Data)
		if err != nil {
			q.logger.Warn("chunk_batch_rejected", "error", err)
			return
		}
		if err := handler(ctx, chunks); err != nil {
			q.logger.Error("chunk_batch_failed", "chunks", len(chunks), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats queue subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

func (q *Queue) SubscribeDeletions(ctx context.Context, handler func(context.Context, domain.DeletionNotice) error) error {
	sub, err := q.conn.Subscribe(q.deletionSubject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		notice, err := decodeDeletion(msg.Data)
		if err != nil {
			q.logger.Warn("deletion_notice_rejected", "error", err)
			return
		}
		if err := handler(ctx, notice); err != nil {
			q.logger.Error("deletion_notice_failed", "document_id", notice.DocumentID, "knowledge_base_id", notice.KnowledgeBaseID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	return q.serve(ctx, sub)
}

// serve blocks until ctx is done, then drains the subscription.
func (q *Queue) serve(ctx context.Context, sub *nats.Subscription) error {
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
