package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// Record is the persisted form of an entry. TTL zero means no expiry; expiry is
// always recomputed from CreatedAt so a restart cannot extend an entry's life.
type Record struct {
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	TTL       time.Duration   `json:"ttl"`
	Tags      []string        `json:"tags,omitempty"`
}

func (r Record) Live(now time.Time) bool {
	return r.TTL <= 0 || now.Before(r.CreatedAt.Add(r.TTL))
}

// Store persists entries of the tiers configured with Persist.
type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, keys ...string) error
	DeleteTags(ctx context.Context, tags ...string) (int, error)
	Clear(ctx context.Context, tier domain.CacheTier) error
	Close() error
}

func encodeValue(value any) (json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return raw, nil
}

// decodeValue restores the concrete value type each tier stores.
func decodeValue(tier domain.CacheTier, raw json.RawMessage) (any, error) {
	var (
		value any
		err   error
	)
	switch tier {
	case domain.TierEmbedding:
		var v []float32
		err = json.Unmarshal(raw, &v)
		value = v
	case domain.TierClassification:
		var v domain.QuestionCategory
		err = json.Unmarshal(raw, &v)
		value = v
	case domain.TierResult, domain.TierSemantic:
		var v domain.QueryResult
		err = json.Unmarshal(raw, &v)
		value = v
	default:
		return nil, fmt.Errorf("decode cache value: unknown tier %q", tier)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s cache value: %w", tier, err)
	}
	return value, nil
}
