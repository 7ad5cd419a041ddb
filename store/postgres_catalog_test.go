package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/models"
)

func newCatalogWithMock(t *testing.T) (*PostgresCatalogStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresCatalogStore(db), mock
}

const insertPattern = `(?s)^INSERT\s+INTO\s+catalog_records\s+\(upload_id, row_number, data, date_added\)\s+VALUES\s+\(\$1, \$2, \$3, \$4\), \(\$5, \$6, \$7, \$8\)\s+ON\s+CONFLICT\s+\(upload_id, row_number\)\s+DO\s+NOTHING$`

func TestInsertBatch_Success(t *testing.T) {
	s, mock := newCatalogWithMock(t)
	added := time.Date(2021, 9, 25, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern).
		WithArgs(
			"u1", 1, `{"title":"Dick Johnson Is Dead"}`, added,
			"u1", 2, `{"release_year":2021,"title":null}`, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.InsertBatch(context.Background(), []models.CatalogRecord{
		{UploadID: "u1", RowNumber: 1, Data: map[string]any{"title": "Dick Johnson Is Dead"}, DateAdded: &added},
		{UploadID: "u1", RowNumber: 2, Data: map[string]any{"title": nil, "release_year": int64(2021)}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_DuplicateRowsIgnored(t *testing.T) {
	s, mock := newCatalogWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.InsertBatch(context.Background(), []models.CatalogRecord{
		{UploadID: "u1", RowNumber: 1, Data: map[string]any{}},
		{UploadID: "u1", RowNumber: 2, Data: map[string]any{}},
	})
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_ErrorRollsBack(t *testing.T) {
	s, mock := newCatalogWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.InsertBatch(context.Background(), []models.CatalogRecord{
		{UploadID: "u1", RowNumber: 1, Data: map[string]any{}},
		{UploadID: "u1", RowNumber: 2, Data: map[string]any{}},
	})
	require.ErrorIs(t, err, apperror.ErrBatchInsertFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_Empty(t *testing.T) {
	s, mock := newCatalogWithMock(t)

	n, err := s.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_SortsAndFormatsDates(t *testing.T) {
	s, mock := newCatalogWithMock(t)
	added := time.Date(2021, 9, 5, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"data", "date_added"}).
		AddRow([]byte(`{"title":"Blood & Water","date_added":"2021-09-05T00:00:00Z"}`), added).
		AddRow([]byte(`{"title":"Ganglands"}`), nil)

	mock.ExpectQuery(`(?s)^SELECT data, date_added FROM catalog_records ORDER BY data->'release_year' ASC NULLS LAST, id ASC LIMIT \$1 OFFSET \$2$`).
		WithArgs(2, 2).
		WillReturnRows(rows)

	items, err := s.List(context.Background(), models.ListQuery{
		Page: 2, PerPage: 2, SortBy: "release_year", SortOrder: models.SortAscending,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "September 5, 2021", items[0]["date_added"])
	require.Equal(t, "Ganglands", items[1]["title"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_InvalidSortField(t *testing.T) {
	s, _ := newCatalogWithMock(t)

	_, err := s.List(context.Background(), models.ListQuery{Page: 1, PerPage: 10, SortBy: "title; DROP TABLE x"})
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestList_QueryError(t *testing.T) {
	s, mock := newCatalogWithMock(t)

	mock.ExpectQuery(`SELECT data, date_added FROM catalog_records`).WillReturnError(sql.ErrConnDone)

	_, err := s.List(context.Background(), models.ListQuery{Page: 1, PerPage: 10, SortBy: "date_added", SortOrder: models.SortDescending})
	require.ErrorIs(t, err, apperror.ErrStorage)
}
