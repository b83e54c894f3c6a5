package volio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"volseg/internal/volume"
)

// CompressedSuffix marks .npy payloads wrapped in a snappy framed stream.
const CompressedSuffix = ".sz"

// Source opens volume payloads by path.
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// FSSource reads from the local filesystem. Relative paths resolve against
// Root when it is set.
type FSSource struct {
	Root string
}

func (s FSSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	if s.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, path)
	}
	return os.Open(path)
}

// CachedSource keeps recently read payloads in memory so subjects revisited
// across sub-epochs skip the underlying source.
type CachedSource struct {
	inner Source
	cache *lru.Cache[string, []byte]
}

func NewCachedSource(inner Source, entries int) (*CachedSource, error) {
	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, fmt.Errorf("create volume cache: %w", err)
	}
	return &CachedSource{inner: inner, cache: cache}, nil
}

func (s *CachedSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if data, ok := s.cache.Get(path); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	rc, err := s.inner.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	s.cache.Add(path, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *CachedSource) Len() int {
	return s.cache.Len()
}

// Reader decodes volumes from a Source.
type Reader struct {
	src    Source
	logger *zap.Logger
}

func NewReader(src Source, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{src: src, logger: logger}
}

// ReadArray loads the array at path, decompressing when the path ends with
// CompressedSuffix.
func (r *Reader) ReadArray(ctx context.Context, path string) (Array, error) {
	if err := ctx.Err(); err != nil {
		return Array{}, err
	}
	rc, err := r.src.Open(ctx, path)
	if err != nil {
		return Array{}, fmt.Errorf("open volume %s: %w", path, err)
	}
	defer rc.Close()

	var in io.Reader = rc
	if strings.HasSuffix(path, CompressedSuffix) {
		in = snappy.NewReader(rc)
	}
	arr, err := DecodeNPY(in)
	if err != nil {
		return Array{}, fmt.Errorf("decode volume %s: %w", path, err)
	}
	r.logger.Debug("volume loaded", zap.String("path", path), zap.Stringer("shape", arr.Volume.Shape), zap.String("dtype", arr.Descr))
	return arr, nil
}

func (r *Reader) ReadVolume(ctx context.Context, path string) (*volume.Volume, error) {
	arr, err := r.ReadArray(ctx, path)
	if err != nil {
		return nil, err
	}
	return arr.Volume, nil
}

// WriteVolume writes v to w, snappy-compressing when compressed is set.
func WriteVolume(w io.Writer, v *volume.Volume, compressed bool) error {
	if !compressed {
		return EncodeNPY(w, v)
	}
	sw := snappy.NewBufferedWriter(w)
	if err := EncodeNPY(sw, v); err != nil {
		return err
	}
	return sw.Close()
}

// WriteFile writes v to path, compressing when path ends with
// CompressedSuffix.
func WriteFile(path string, v *volume.Volume) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return WriteVolume(f, v, strings.HasSuffix(path, CompressedSuffix))
}
