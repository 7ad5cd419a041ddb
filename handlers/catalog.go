package handlers

import (
	"net/http"
	"strconv"

	"github.com/Yulian302/lfusys-services-ingest/apperror"
	"github.com/Yulian302/lfusys-services-ingest/logging"
	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/services"
)

type CatalogHandler struct {
	catalog services.CatalogService

	logger logging.Logger
}

func NewCatalogHandler(catalog services.CatalogService, l logging.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		logger:  l,
	}
}

// List handles GET /content?page=&per_page=&sort_by=&sort_order=.
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	items, err := h.catalog.List(r.Context(), q)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(items) == 0 {
		writeJSON(w, h.logger, http.StatusNotFound, map[string]string{"message": "No content found."})
		return
	}

	writeJSON(w, h.logger, http.StatusOK, items)
}

func parseListQuery(r *http.Request) (models.ListQuery, error) {
	values := r.URL.Query()

	q := models.ListQuery{
		Page:      services.DefaultPage,
		PerPage:   services.DefaultPerPage,
		SortBy:    services.DefaultSortBy,
		SortOrder: models.SortDescending,
	}

	intParam := func(name string, dst *int) error {
		raw := values.Get(name)
		if raw == "" {
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apperror.Validation("%s must be an integer, got %q", name, raw)
		}
		*dst = n
		return nil
	}

	if err := intParam("page", &q.Page); err != nil {
		return q, err
	}
	if err := intParam("per_page", &q.PerPage); err != nil {
		return q, err
	}

	order := int(q.SortOrder)
	if err := intParam("sort_order", &order); err != nil {
		return q, err
	}
	q.SortOrder = models.SortOrder(order)

	if s := values.Get("sort_by"); s != "" {
		q.SortBy = s
	}
	return q, nil
}
