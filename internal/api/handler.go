// Package api exposes the configuration service over HTTP.
package api

import (
	"confstore/internal/codec"
	"confstore/internal/service"
	"confstore/internal/types"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
	maxBodyBytes    = 1 << 20
)

type Handler struct {
	svc      *service.Service
	gatherer prometheus.Gatherer
	log      *log.Entry
}

// NewHandler serves svc. A nil gatherer exposes the default prometheus registry on /metrics.
func NewHandler(svc *service.Service, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{svc: svc, gatherer: gatherer, log: log.WithField("component", "http")}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(escapedRouting)
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.RequestSize(maxBodyBytes))

		r.Post("/repositories", h.createRepository)
		r.Route("/repositories/{repo}", func(r chi.Router) {
			r.Get("/entries", h.listEntries)
			r.Get("/entries/*", h.readEntry)
			r.Put("/entries/*", h.putEntry)
			r.Post("/entries/*", h.createEntry)
			r.Delete("/entries/*", h.deleteEntry)
			r.Get("/history/*", h.readHistory)
		})
	})
	return r
}

// ErrResponse is the body of every failed API call.
type ErrResponse struct {
	StatusCode int    `json:"-"`
	Status     string `json:"status"`
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Retryable  bool   `json:"retryable"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	if e.Status == "" {
		e.Status = http.StatusText(e.StatusCode)
	}
	return nil
}

var statusByKind = map[types.Kind]int{
	types.RepositoryNotFound:      http.StatusNotFound,
	types.KeyNotFound:             http.StatusNotFound,
	types.KeyVersionNotFound:      http.StatusNotFound,
	types.RepositoryAlreadyExists: http.StatusConflict,
	types.VersionConflict:         http.StatusConflict,
	types.InvalidToken:            http.StatusUnauthorized,
	types.PermissionDenied:        http.StatusForbidden,
	types.InvalidRepositoryName:   http.StatusBadRequest,
	types.InvalidRequest:          http.StatusBadRequest,
	types.DataAccessFailure:       http.StatusServiceUnavailable,
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	if code, ok := statusByKind[types.KindOf(err)]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func errResponse(err error) render.Renderer {
	msg := err.Error()
	var te *types.Error
	if errors.As(err, &te) && te.Msg != "" {
		msg = te.Msg
	}
	return &ErrResponse{
		StatusCode: StatusOf(err),
		Error:      msg,
		Kind:       types.KindOf(err).String(),
		Retryable:  types.IsRetryable(err),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if StatusOf(err) >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("request_id", requestIDFrom(r.Context())).Warn("request failed")
	}
	_ = render.Render(w, r, errResponse(err))
}

func bearer(r *http.Request) string {
	tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return strings.TrimSpace(tok)
}

// entryKey returns the unescaped key captured by the trailing wildcard.
func entryKey(r *http.Request) (string, error) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		return "", types.Err(types.ErrInvalidRequest, err, "Invalid key encoding")
	}
	return key, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return types.Err(types.ErrInvalidRequest, err, "Unable to read request body")
	}
	if len(body) == 0 {
		return types.Err(types.ErrInvalidRequest, nil, "Empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return types.Err(types.ErrInvalidRequest, err, "Invalid JSON body")
	}
	return nil
}

func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	var req service.RepositoryRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Token = bearer(r)
	if err := h.svc.CreateRepository(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"repository": req.Repository})
}

type listResponse struct {
	Entries    []types.Entry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type cursor struct {
	After string `json:"a"`
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := service.ListRequest{
		Token:      bearer(r),
		Namespace:  q.Get("namespace"),
		Repository: chi.URLParam(r, "repo"),
		Filter:     q.Get("filter"),
		Negate:     q.Get("negate") == "true",
	}
	entries, err := h.svc.ListEntries(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// page parameters are only looked at once the caller is authorized
	limit, after, err := pageParams(q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := paginate(entries, after, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

func pageParams(q url.Values) (limit int, after string, err error) {
	limit = DefaultPageSize
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, "", types.Err(types.ErrInvalidRequest, err, "Invalid 'limit'")
		}
		limit = min(limit, MaxPageSize)
	}
	if raw := q.Get("cursor"); raw != "" {
		var c cursor
		err := codec.DecodeToken(raw, &c)
		if errors.Is(err, codec.ErrTokenTooLong) {
			return 0, "", types.Err(types.ErrInvalidRequest, err, "'cursor' exceeds %d bytes", codec.MaxTokenLength)
		}
		if err != nil {
			return 0, "", types.Err(types.ErrInvalidRequest, err, "Invalid 'cursor'")
		}
		after = c.After
	}
	return limit, after, nil
}

// paginate slices a key-ordered snapshot. The cursor carries the last key handed out, so
// concurrent inserts and removals never shift later pages.
func paginate(entries []types.Entry, after string, limit int) (listResponse, error) {
	start := 0
	if after != "" {
		start = sort.Search(len(entries), func(i int) bool { return entries[i].Key > after })
	}
	end := min(start+limit, len(entries))
	resp := listResponse{Entries: entries[start:end]}
	if end < len(entries) {
		next, err := codec.EncodeToken(cursor{After: entries[end-1].Key})
		if err != nil {
			return listResponse{}, types.Err(types.ErrInvalidRequest, err, "Unable to encode cursor")
		}
		resp.NextCursor = next
	}
	if resp.Entries == nil {
		resp.Entries = []types.Entry{}
	}
	return resp, nil
}

func (h *Handler) entryRequest(r *http.Request) (service.EntryRequest, error) {
	key, err := entryKey(r)
	if err != nil {
		return service.EntryRequest{}, err
	}
	return service.EntryRequest{
		Token:      bearer(r),
		Namespace:  r.URL.Query().Get("namespace"),
		Repository: chi.URLParam(r, "repo"),
		Key:        key,
	}, nil
}

func (h *Handler) readEntry(w http.ResponseWriter, r *http.Request) {
	req, err := h.entryRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, types.Err(types.ErrInvalidRequest, err, "Invalid 'version'"))
			return
		}
		req.Version = &v
	}
	e, err := h.svc.ReadEntry(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, e)
}

func (h *Handler) readHistory(w http.ResponseWriter, r *http.Request) {
	req, err := h.entryRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hist, err := h.svc.ReadEntryHistory(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"key": req.Key, "versions": hist})
}

type putBody struct {
	Value           types.Value `json:"value"`
	ExpectedVersion *int64      `json:"expected_version,omitempty"`
}

func (h *Handler) putRequest(r *http.Request) (service.PutRequest, error) {
	er, err := h.entryRequest(r)
	if err != nil {
		return service.PutRequest{}, err
	}
	var body putBody
	if err := decodeBody(r, &body); err != nil {
		return service.PutRequest{}, err
	}
	return service.PutRequest{
		Token:           er.Token,
		Namespace:       er.Namespace,
		Repository:      er.Repository,
		Key:             er.Key,
		Value:           body.Value,
		ExpectedVersion: body.ExpectedVersion,
	}, nil
}

func (h *Handler) putEntry(w http.ResponseWriter, r *http.Request) {
	req, err := h.putRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.PutEntry(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, res)
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request) {
	req, err := h.putRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.svc.CreateEntry(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, res)
}

func (h *Handler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	req, err := h.entryRequest(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	removed, err := h.svc.DeleteEntry(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"key": removed})
}
