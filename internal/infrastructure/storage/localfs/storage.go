package localfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kirillkom/rag-query-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-query-pipeline/internal/infrastructure/cache"
)

// Storage persists cache records as one JSON file per key under a directory
// per tier.
type Storage struct {
	basePath string
	mu       sync.Mutex
}

func New(basePath string) (*Storage, error) {
	if basePath == "" {
		basePath = "./data/cache"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Storage{basePath: basePath}, nil
}

func (s *Storage) pathFor(key string) (string, error) {
	tier, digest, ok := strings.Cut(key, ":")
	if !ok || tier == "" || digest == "" || strings.ContainsAny(key, `/\.`) {
		return "", domain.WrapError(domain.ErrInvalidInput, "localfs", fmt.Errorf("malformed cache key %q", key))
	}
	return filepath.Join(s.basePath, tier, digest+".json"), nil
}

func (s *Storage) Load(_ context.Context, key string) (cache.Record, bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return cache.Record{}, false, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("open file: %w", err)
	}
	var rec cache.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return cache.Record{}, false, fmt.Errorf("decode record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *Storage) Save(_ context.Context, key string, rec cache.Record) error {
	path, err := s.pathFor(key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create tier dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func (s *Storage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		path, err := s.pathFor(key)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove file: %w", err)
		}
	}
	return nil
}

// DeleteTags scans every record; the disk store is meant for single-node
// deployments where the persisted tiers stay small.
func (s *Storage) DeleteTags(_ context.Context, tags ...string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec cache.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		for _, tag := range rec.Tags {
			if _, ok := wanted[tag]; ok {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				removed++
				break
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("delete tagged records: %w", err)
	}
	return removed, nil
}

func (s *Storage) Clear(_ context.Context, tier domain.CacheTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(s.basePath, string(tier))); err != nil {
		return fmt.Errorf("clear tier %s: %w", tier, err)
	}
	return nil
}

func (s *Storage) Close() error {
	return nil
}
