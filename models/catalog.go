package models

import "time"

// CatalogRecord is one ingested CSV row.
type CatalogRecord struct {
	UploadID  string
	RowNumber int // 1-based data row in the merged artifact
	Data      map[string]any
	DateAdded *time.Time
	CreatedAt time.Time
}

type SortOrder int

const (
	SortDescending SortOrder = -1
	SortAscending  SortOrder = 1
)

// SortableFields are the record attributes a listing may be ordered by.
var SortableFields = []string{"date_added", "release_year", "duration"}

type ListQuery struct {
	Page      int
	PerPage   int
	SortBy    string
	SortOrder SortOrder
}

func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.PerPage
}

// DisplayDateLayout renders date_added in listings, e.g. "September 9, 2021".
const DisplayDateLayout = "January 2, 2006"
