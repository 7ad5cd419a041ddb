package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

const (
	// ListingCacheKey holds every cached listing page as one hash, so a
	// finished ingest drops them all with a single delete.
	ListingCacheKey = "catalog:listing"

	DefaultPage    = 1
	DefaultPerPage = 10
	MaxPerPage     = 100
	DefaultSortBy  = "date_added"
)

type CatalogService interface {
	List(ctx context.Context, q models.ListQuery) ([]map[string]any, error)
}

type CatalogServiceImpl struct {
	catalog store.CatalogLister
	cache   caching.CachingService
	ttl     time.Duration

	logger logging.Logger
}

func NewCatalogServiceImpl(catalog store.CatalogLister, cache caching.CachingService, ttl time.Duration, l logging.Logger) *CatalogServiceImpl {
	if cache == nil {
		cache = caching.NewNullCachingService()
	}
	return &CatalogServiceImpl{
		catalog: catalog,
		cache:   cache,
		ttl:     ttl,
		logger:  l,
	}
}

func (svc *CatalogServiceImpl) List(ctx context.Context, q models.ListQuery) ([]map[string]any, error) {
	if err := validateListQuery(q); err != nil {
		return nil, err
	}

	field := fmt.Sprintf("%d:%d:%s:%d", q.Page, q.PerPage, q.SortBy, q.SortOrder)

	cached, err := svc.cache.Get(ctx, ListingCacheKey, field)
	if err == nil {
		var out []map[string]any
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
		svc.logger.Warn("discarding unreadable cached listing", "field", field)
	} else if !errors.Is(err, caching.ErrCacheMiss) {
		svc.logger.Warn("listing cache unavailable", "error", err)
	}

	out, err := svc.catalog.List(ctx, q)
	if err != nil {
		return nil, err
	}

	if len(out) > 0 && svc.ttl > 0 {
		if payload, err := json.Marshal(out); err == nil {
			if err := svc.cache.Set(ctx, ListingCacheKey, field, payload, svc.ttl); err != nil {
				svc.logger.Warn("failed to cache listing", "error", err)
			}
		}
	}
	return out, nil
}

func validateListQuery(q models.ListQuery) error {
	if q.Page < 1 {
		return apperror.Validation("page must be at least 1, got %d", q.Page)
	}
	if q.PerPage < 1 || q.PerPage > MaxPerPage {
		return apperror.Validation("per_page must be between 1 and %d, got %d", MaxPerPage, q.PerPage)
	}
	if !slices.Contains(models.SortableFields, q.SortBy) {
		return apperror.Validation("invalid sort field %q, expected one of %v", q.SortBy, models.SortableFields)
	}
	if q.SortOrder != models.SortAscending && q.SortOrder != models.SortDescending {
		return apperror.Validation("sort_order must be 1 or -1, got %d", q.SortOrder)
	}
	return nil
}
