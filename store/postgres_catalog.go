package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store/migrations"
)

// maxRowsPerStatement keeps a multi-row INSERT under the 65535 bind
// parameter limit of the Postgres protocol.
const maxRowsPerStatement = 10000

const insertColumns = 4

// sortExpressions maps the public sort fields to SQL. Only these values are
// ever interpolated into a query.
var sortExpressions = map[string]string{
	"date_added":   "date_added",
	"release_year": "data->'release_year'",
	"duration":     "data->'duration'",
}

type PostgresCatalogStore struct {
	db *sql.DB
}

func NewPostgresCatalogStore(db *sql.DB) *PostgresCatalogStore {
	return &PostgresCatalogStore{db: db}
}

// OpenPostgres opens a pgx-backed *sql.DB.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func (s *PostgresCatalogStore) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("run catalog migrations: %w", err)
	}
	return nil
}

func (s *PostgresCatalogStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return s.db.PingContext(ctx)
}

func (s *PostgresCatalogStore) Name() string {
	return "CatalogStore[postgres]"
}

func (s *PostgresCatalogStore) InsertBatch(ctx context.Context, records []models.CatalogRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	var inserted int64
	err := withTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for start := 0; start < len(records); start += maxRowsPerStatement {
			end := min(start+maxRowsPerStatement, len(records))

			query, args, err := buildInsert(records[start:end])
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, apperror.Wrap(apperror.ErrBatchInsertFailed, err)
	}
	return inserted, nil
}

func buildInsert(records []models.CatalogRecord) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO catalog_records (upload_id, row_number, data, date_added) VALUES ")

	args := make([]any, 0, len(records)*insertColumns)
	for i, r := range records {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return "", nil, fmt.Errorf("encode row %d: %w", r.RowNumber, err)
		}

		if i > 0 {
			b.WriteString(", ")
		}
		n := i * insertColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)

		var dateAdded any
		if r.DateAdded != nil {
			dateAdded = *r.DateAdded
		}
		args = append(args, r.UploadID, r.RowNumber, string(data), dateAdded)
	}
	b.WriteString(" ON CONFLICT (upload_id, row_number) DO NOTHING")

	return b.String(), args, nil
}

func (s *PostgresCatalogStore) List(ctx context.Context, q models.ListQuery) ([]map[string]any, error) {
	expr, ok := sortExpressions[q.SortBy]
	if !ok {
		return nil, apperror.Validation("invalid sort field %q", q.SortBy)
	}
	dir := "DESC"
	if q.SortOrder == models.SortAscending {
		dir = "ASC"
	}

	query := fmt.Sprintf(
		"SELECT data, date_added FROM catalog_records ORDER BY %s %s NULLS LAST, id ASC LIMIT $1 OFFSET $2",
		expr, dir,
	)

	rows, err := s.db.QueryContext(ctx, query, q.PerPage, q.Offset())
	if err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	defer rows.Close()

	var items []map[string]any
	for rows.Next() {
		var (
			raw       []byte
			dateAdded sql.NullTime
		)
		if err := rows.Scan(&raw, &dateAdded); err != nil {
			return nil, apperror.Wrap(apperror.ErrStorage, err)
		}

		item := map[string]any{}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, apperror.Wrap(apperror.ErrInternal, err)
		}
		if dateAdded.Valid {
			item["date_added"] = dateAdded.Time.UTC().Format(models.DisplayDateLayout)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Wrap(apperror.ErrStorage, err)
	}
	return items, nil
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(ctx, tx)
}
