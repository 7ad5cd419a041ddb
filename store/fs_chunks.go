package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
)

const tempChunkPrefix = ".tmp-"

// FSChunkStore keeps chunks as <root>/<uploadID>/<index>.
type FSChunkStore struct {
	root string

	logger logging.Logger
}

func NewFSChunkStore(root string, l logging.Logger) *FSChunkStore {
	return &FSChunkStore{
		root:   root,
		logger: l,
	}
}

func (s *FSChunkStore) IsReady(context.Context) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.root, tempChunkPrefix+"probe-")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}

func (s *FSChunkStore) Name() string {
	return "ChunkStore[fs]"
}

func (s *FSChunkStore) dir(uploadID string) (string, error) {
	if uploadID == "" || uploadID != filepath.Base(uploadID) || uploadID == "." || uploadID == ".." {
		return "", apperror.Validation("invalid upload id %q", uploadID)
	}
	return filepath.Join(s.root, uploadID), nil
}

func (s *FSChunkStore) PutChunk(ctx context.Context, uploadID string, index int, payload io.Reader) error {
	if index < 0 {
		return apperror.Validation("chunk index must be non-negative, got %d", index)
	}
	dir, err := s.dir(uploadID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperror.Wrap(apperror.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(dir, tempChunkPrefix)
	if err != nil {
		return apperror.Wrap(apperror.ErrStorage, err)
	}
	tmpName := tmp.Name()

	// a concurrent upload of the same index races only on the final rename
	if err := writeAndSync(ctx, tmp, payload); err != nil {
		os.Remove(tmpName)
		return apperror.Wrap(apperror.ErrStorage, err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, strconv.Itoa(index))); err != nil {
		os.Remove(tmpName)
		return apperror.Wrap(apperror.ErrStorage, err)
	}

	s.logger.Debug("chunk stored", "upload_id", uploadID, "chunk_id", index)
	return nil
}

func writeAndSync(ctx context.Context, f *os.File, r io.Reader) error {
	_, err := io.Copy(f, readerWithContext(ctx, r))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *FSChunkStore) ListChunks(_ context.Context, uploadID string) ([]ChunkRef, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}

	chunks := make([]ChunkRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempChunkPrefix) {
			continue
		}
		idx, err := strconv.Atoi(e.Name())
		if err != nil || idx < 0 {
			s.logger.Warn("ignoring unexpected file in chunk directory", "upload_id", uploadID, "name", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, apperror.Wrap(apperror.ErrStorage, err)
		}
		chunks = append(chunks, ChunkRef{Index: idx, Size: info.Size()})
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Index < chunks[j].Index
	})
	return chunks, nil
}

func (s *FSChunkStore) OpenChunk(_ context.Context, uploadID string, index int) (io.ReadCloser, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, strconv.Itoa(index)))
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, fmt.Errorf("open chunk %d: %w", index, err))
	}
	return f, nil
}

func (s *FSChunkStore) DeleteChunks(_ context.Context, uploadID string) error {
	dir, err := s.dir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperror.Wrap(apperror.ErrStorage, err)
	}
	s.logger.Debug("chunk namespace removed", "upload_id", uploadID)
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
