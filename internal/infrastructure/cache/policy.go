package cache

import (
	"time"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
)

// TierConfig is the expiry and capacity policy of one tier. A zero TTL means
// entries never expire unless the caller supplies one. FixedTTL tiers ignore
// TTLs supplied by callers.
type TierConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	FixedTTL bool          `yaml:"fixed_ttl"`
	Persist  bool          `yaml:"persist"`
}

type Config struct {
	Tiers             map[domain.CacheTier]TierConfig
	SemanticThreshold float64
	ComputeTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tiers: map[domain.CacheTier]TierConfig{
			domain.TierEmbedding: {
				Capacity: 10000,
				TTL:      24 * time.Hour,
				FixedTTL: true,
			},
			domain.TierClassification: {
				Capacity: 2000,
				TTL:      7 * 24 * time.Hour,
				FixedTTL: true,
			},
			domain.TierResult: {
				Capacity: 5000,
			},
			domain.TierSemantic: {
				Capacity: 1000,
			},
		},
		SemanticThreshold: 0.95,
		ComputeTimeout:    30 * time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	out := Config{
		Tiers:             make(map[domain.CacheTier]TierConfig, len(domain.Tiers)),
		SemanticThreshold: c.SemanticThreshold,
		ComputeTimeout:    c.ComputeTimeout,
	}

	for _, tier := range domain.Tiers {
		cfg, ok := c.Tiers[tier]
		if !ok {
			cfg = def.Tiers[tier]
		}
		if cfg.Capacity <= 0 {
			cfg.Capacity = def.Tiers[tier].Capacity
		}
		if cfg.TTL < 0 {
			cfg.TTL = 0
		}
		if tier == domain.TierSemantic {
			cfg.Persist = false
		}
		out.Tiers[tier] = cfg
	}

	if out.SemanticThreshold <= 0 || out.SemanticThreshold > 1 {
		out.SemanticThreshold = def.SemanticThreshold
	}
	if out.ComputeTimeout <= 0 {
		out.ComputeTimeout = def.ComputeTimeout
	}
	return out
}

func resolveTTL(cfg TierConfig, requested time.Duration) time.Duration {
	switch {
	case cfg.FixedTTL, requested == 0:
		return cfg.TTL
	case requested < 0:
		return 0
	default:
		return requested
	}
}
