package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/store"
)

type handler struct {
	reader     Reader
	ingester   Ingester
	recomputer Recomputer
	provider   ProviderStatus
}

type ingestRequest struct {
	Query string `json:"query"`
}

type registerRequest struct {
	Name string `json:"name"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.Ping(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.String("component", "api"), zap.Error(err))
		jsonError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	body := map[string]string{"status": "ok"}
	if h.provider != nil {
		body["provider"] = h.provider.BreakerState().String()
	}
	jsonResponse(w, http.StatusOK, body)
}

func (h *handler) listItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.reader.ListItemPrices(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []model.ItemPrice{}
	}
	jsonResponse(w, http.StatusOK, rows)
}

func (h *handler) getItem(w http.ResponseWriter, r *http.Request) {
	row, err := h.reader.GetItemPrice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if row == nil {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	jsonResponse(w, http.StatusOK, row)
}

func (h *handler) registerItem(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	item, err := h.ingester.Register(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	row, err := h.reader.GetItemPrice(r.Context(), item.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, row)
}

func (h *handler) recompute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.recomputer.Recompute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	row, err := h.reader.GetItemPrice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if row == nil {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	jsonResponse(w, http.StatusOK, row)
}

func (h *handler) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.ingester.Ingest(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, res)
}

// writeError maps the typed ingestion and store errors onto status codes.
// Storage details stay in the log.
func writeError(w http.ResponseWriter, err error) {
	var ve *model.ValidationError
	var pe *model.ProviderError
	switch {
	case errors.As(err, &ve):
		jsonError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrItemNotFound):
		jsonError(w, http.StatusNotFound, "item not found")
	case errors.As(err, &pe):
		jsonError(w, http.StatusBadGateway, pe.Error())
	default:
		zap.L().Error("request failed", zap.String("component", "api"), zap.Error(err))
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseFilter reads the list query parameters into a ViewFilter.
func parseFilter(q url.Values) (model.ViewFilter, error) {
	f := model.ViewFilter{NameContains: strings.TrimSpace(q.Get("name"))}

	bounds := []struct {
		key string
		dst **decimal.Decimal
	}{
		{"average_gt", &f.AverageGT},
		{"average_gte", &f.AverageGTE},
		{"average_lt", &f.AverageLT},
		{"average_lte", &f.AverageLTE},
	}
	for _, b := range bounds {
		raw := q.Get(b.key)
		if raw == "" {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, model.NewValidationError(b.key, "must be a decimal number")
		}
		*b.dst = &d
	}

	if s := q.Get("sort"); s != "" {
		f.Sort = model.SortField(s)
		if !f.Sort.Valid() {
			return f, model.NewValidationError("sort", "must be created_at or average_price")
		}
	}

	switch q.Get("order") {
	case "", "asc":
	case "desc":
		f.Descending = true
	default:
		return f, model.NewValidationError("order", "must be asc or desc")
	}

	var err error
	if f.Limit, err = intParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset"); err != nil {
		return f, err
	}
	return f.Normalize(), nil
}

func intParam(q url.Values, key string) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.NewValidationError(key, "must be a non-negative integer")
	}
	return n, nil
}
