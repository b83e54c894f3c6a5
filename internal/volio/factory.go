package volio

import (
	"context"
	"fmt"
)

// SourceConfig selects where volumes are read from.
type SourceConfig struct {
	Kind         string   `json:"kind"`
	Root         string   `json:"root,omitempty"`
	S3           S3Config `json:"s3"`
	CacheEntries int      `json:"cache_entries,omitempty"`
}

func NewSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	var src Source
	switch cfg.Kind {
	case "", "fs":
		src = FSSource{Root: cfg.Root}
	case "s3":
		s3src, err := NewS3Source(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		src = s3src
	default:
		return nil, fmt.Errorf("unsupported volume source: %s", cfg.Kind)
	}
	if cfg.CacheEntries > 0 {
		return NewCachedSource(src, cfg.CacheEntries)
	}
	return src, nil
}
