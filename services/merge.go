package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

// ErrChunkCleanup reports chunks left behind after a successful merge.
var ErrChunkCleanup = errors.New("merged chunks not removed")

// Merger concatenates the chunks of an upload into <mergeDir>/<uploadID>.csv.
type Merger struct {
	chunks   store.ChunkStore
	mergeDir string

	logger logging.Logger
}

func NewMerger(chunks store.ChunkStore, mergeDir string, l logging.Logger) *Merger {
	return &Merger{
		chunks:   chunks,
		mergeDir: mergeDir,
		logger:   l,
	}
}

func (m *Merger) ArtifactPath(uploadID string) string {
	return filepath.Join(m.mergeDir, uploadID+".csv")
}

// ArtifactExists reports whether a previous run already produced the merged
// file.
func (m *Merger) ArtifactExists(uploadID string) (bool, error) {
	_, err := os.Stat(m.ArtifactPath(uploadID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Merge writes the artifact atomically and then removes the chunks. Chunks
// are concatenated byte for byte in ascending numeric index order. When only
// the chunk removal fails, the artifact path is returned together with an
// ErrChunkCleanup error and the artifact is complete.
func (m *Merger) Merge(ctx context.Context, uploadID string) (string, error) {
	chunks, err := m.chunks.ListChunks(ctx, uploadID)
	if err != nil {
		return "", apperror.Wrap(apperror.ErrMergeFailed, err)
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w for upload %s", apperror.ErrNoChunksFound, uploadID)
	}

	if err := os.MkdirAll(m.mergeDir, 0o755); err != nil {
		return "", apperror.Wrap(apperror.ErrMergeFailed, err)
	}

	tmp, err := os.CreateTemp(m.mergeDir, uploadID+".*.tmp")
	if err != nil {
		return "", apperror.Wrap(apperror.ErrMergeFailed, err)
	}
	tmpName := tmp.Name()

	var written int64
	err = func() error {
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := m.copyChunk(ctx, tmp, uploadID, c.Index)
			if err != nil {
				return err
			}
			written += n
		}
		return tmp.Sync()
	}()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		m.logger.Error("merge failed", "upload_id", uploadID, "error", err)
		return "", apperror.Wrap(apperror.ErrMergeFailed, err)
	}

	final := m.ArtifactPath(uploadID)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", apperror.Wrap(apperror.ErrMergeFailed, err)
	}

	m.logger.Info("chunks merged", "upload_id", uploadID, "chunk_count", len(chunks), "bytes", written, "artifact", final)

	if err := m.chunks.DeleteChunks(ctx, uploadID); err != nil {
		m.logger.Error("failed to delete merged chunks", "upload_id", uploadID, "error", err)
		return final, fmt.Errorf("%w: %w", ErrChunkCleanup, apperror.Wrap(apperror.ErrStorage, err))
	}

	return final, nil
}

// DiscardChunks removes whatever chunks remain for an upload.
func (m *Merger) DiscardChunks(ctx context.Context, uploadID string) error {
	return m.chunks.DeleteChunks(ctx, uploadID)
}

func (m *Merger) copyChunk(ctx context.Context, dst io.Writer, uploadID string, index int) (int64, error) {
	rc, err := m.chunks.OpenChunk(ctx, uploadID, index)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.Copy(dst, rc)
	if err != nil {
		return n, fmt.Errorf("copy chunk %d: %w", index, err)
	}
	return n, nil
}

// RemoveArtifact deletes the merged file. A missing file is not an error.
func (m *Merger) RemoveArtifact(uploadID string) error {
	err := os.Remove(m.ArtifactPath(uploadID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
