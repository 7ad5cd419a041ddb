package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type UploadStatus string

const (
	StatusNotStarted UploadStatus = "Not Started"
	StatusInProgress UploadStatus = "In Progress"
	StatusProcessing UploadStatus = "Processing"
	StatusCompleted  UploadStatus = "Completed"
	StatusFailed     UploadStatus = "Failed"
)

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch st := UploadStatus(s); st {
	case StatusNotStarted, StatusInProgress, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown upload status %q", s)
	}
}

// AcceptsChunks reports whether chunks may still be counted.
func (s UploadStatus) AcceptsChunks() bool {
	return s == StatusNotStarted || s == StatusInProgress
}

func (s UploadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UploadSession is the shared progress record of one chunked upload.
type UploadSession struct {
	ID             string       `dynamodbav:"upload_id"`
	TotalChunks    int          `dynamodbav:"total_chunks"`
	ChunksUploaded int          `dynamodbav:"chunks_uploaded"`
	Status         UploadStatus `dynamodbav:"status"`
	Received       []int        `dynamodbav:"received,numberset,omitempty"` // sorted distinct chunk indices
	Error          string       `dynamodbav:"error,omitempty"`
	Version        int64        `dynamodbav:"version"`
	CreatedAt      time.Time    `dynamodbav:"created_at"`
	UpdatedAt      time.Time    `dynamodbav:"updated_at"`
}

func NewUploadSession(id string, totalChunks int, now time.Time) *UploadSession {
	return &UploadSession{
		ID:          id,
		TotalChunks: totalChunks,
		Status:      StatusNotStarted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Received = append([]int(nil), s.Received...)
	return &c
}

func (s *UploadSession) HasChunk(index int) bool {
	i := sort.SearchInts(s.Received, index)
	return i < len(s.Received) && s.Received[i] == index
}

// MarkReceived adds index to the received set. It returns false when the
// index was already present.
func (s *UploadSession) MarkReceived(index int) bool {
	i := sort.SearchInts(s.Received, index)
	if i < len(s.Received) && s.Received[i] == index {
		return false
	}
	s.Received = append(s.Received, 0)
	copy(s.Received[i+1:], s.Received[i:])
	s.Received[i] = index
	return true
}

func (s *UploadSession) IsComplete() bool {
	return s.ChunksUploaded == s.TotalChunks
}

const (
	hashFileID         = "file_id"
	hashTotalChunks    = "total_chunks"
	hashChunksUploaded = "chunks_uploaded"
	hashStatus         = "status"
	hashReceived       = "received"
	hashError          = "error"
	hashVersion        = "version"
	hashCreatedAt      = "created_at"
	hashUpdatedAt      = "updated_at"
)

// ToHash renders the session as the flat string map kept in a Redis hash.
func (s *UploadSession) ToHash() map[string]string {
	received := make([]string, len(s.Received))
	for i, idx := range s.Received {
		received[i] = strconv.Itoa(idx)
	}

	h := map[string]string{
		hashFileID:         s.ID,
		hashTotalChunks:    strconv.Itoa(s.TotalChunks),
		hashChunksUploaded: strconv.Itoa(s.ChunksUploaded),
		hashStatus:         string(s.Status),
		hashReceived:       strings.Join(received, ","),
		hashVersion:        strconv.FormatInt(s.Version, 10),
		hashCreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339Nano),
		hashUpdatedAt:      s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Error != "" {
		h[hashError] = s.Error
	}
	return h
}

// SessionFromHash parses a Redis hash written by ToHash.
func SessionFromHash(h map[string]string) (*UploadSession, error) {
	s := &UploadSession{ID: h[hashFileID], Error: h[hashError]}
	if s.ID == "" {
		return nil, fmt.Errorf("session hash is missing %s", hashFileID)
	}

	var err error
	if s.TotalChunks, err = strconv.Atoi(h[hashTotalChunks]); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", hashTotalChunks, err)
	}
	if s.ChunksUploaded, err = strconv.Atoi(h[hashChunksUploaded]); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", hashChunksUploaded, err)
	}
	if s.Status, err = ParseUploadStatus(h[hashStatus]); err != nil {
		return nil, err
	}

	if raw := h[hashReceived]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", hashReceived, err)
			}
			s.MarkReceived(idx)
		}
	}

	if v := h[hashVersion]; v != "" {
		if s.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", hashVersion, err)
		}
	}
	if v := h[hashCreatedAt]; v != "" {
		if s.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", hashCreatedAt, err)
		}
	}
	if v := h[hashUpdatedAt]; v != "" {
		if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", hashUpdatedAt, err)
		}
	}

	return s, nil
}

// View is the flat representation returned to clients.
func (s *UploadSession) View() map[string]string {
	v := map[string]string{
		hashFileID:         s.ID,
		hashTotalChunks:    strconv.Itoa(s.TotalChunks),
		hashChunksUploaded: strconv.Itoa(s.ChunksUploaded),
		hashStatus:         string(s.Status),
	}
	if s.Error != "" {
		v[hashError] = s.Error
	}
	return v
}

// ChunkReceipt is returned to the uploader once a chunk has been stored and
// counted.
type ChunkReceipt struct {
	FileID         string       `json:"file_id"`
	ChunkID        int          `json:"chunk_id"`
	ChunksUploaded int          `json:"chunks_uploaded"`
	TotalChunks    int          `json:"total_chunks"`
	Status         UploadStatus `json:"status"`
	Duplicate      bool         `json:"duplicate,omitempty"`
}
