package models

import "time"

type JobType string

const JobMergeChunks JobType = "merge_chunks"

// Job is a unit of background work. Delivery is at-least-once.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	UploadID   string    `json:"upload_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
