package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgconn"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
	"github.com/drblury/indexflow/internal/runtime/jsoncodec"
	"github.com/drblury/indexflow/internal/runtime/logging"
	"github.com/drblury/indexflow/internal/runtime/tenant"
)

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type queryResponse struct {
	Rows []map[string]any `json:"rows"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Stats == nil {
		s.respondError(w, http.StatusNotFound, "pipeline statistics are not available")
		return
	}
	s.respondJSON(w, http.StatusOK, s.opts.Stats())
}

func (s *Server) handleSlots(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Tenants == nil {
		s.respondJSON(w, http.StatusOK, []string{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.opts.Tenants.Names())
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Instances == nil {
		s.respondJSON(w, http.StatusOK, []any{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.opts.Instances())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req queryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		s.respondError(w, http.StatusBadRequest, "sql is required")
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	rows, err := t.Store.Query(ctx, req.SQL, req.Params...)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, queryResponse{Rows: rows})
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, t.Store.Tables())
}

// handleTablePage serves ?page=N (1 based), ?order=stream_id|indexed_at
// and ?context=<id>. Rows default to newest first.
func (s *Server) handleTablePage(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = n
	}
	byIndexedAt := true
	switch q.Get("order") {
	case "", "indexed_at":
	case "stream_id":
		byIndexedAt = false
	default:
		s.respondError(w, http.StatusBadRequest, "order must be indexed_at or stream_id")
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	result, err := t.Store.QueryGlobal(ctx, mux.Vars(r)["table"], page, byIndexedAt, q.Get("context"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.queryContext(r)
	defer cancel()
	tables, err := t.Store.IntrospectSchema(ctx)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tables)
}

func (s *Server) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tenant(w, r)
	if !ok {
		return
	}
	var req graphQLRequest
	if r.Method == http.MethodGet {
		req.Query = r.URL.Query().Get("query")
		if raw := r.URL.Query().Get("variables"); raw != "" {
			if err := jsoncodec.UnmarshalString(raw, &req.Variables); err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid variables: "+err.Error())
				return
			}
		}
	} else if err := decodeBody(w, r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	result := t.Cache.Execute(ctx, req.Query, req.Variables)
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePluginRoute(w http.ResponseWriter, r *http.Request) {
	if s.opts.Routes == nil {
		s.respondError(w, http.StatusNotFound, "no plugin routes")
		return
	}
	uuid := mux.Vars(r)["uuid"]
	route := strings.TrimPrefix(r.URL.Path, "/plugins/"+uuid+"/")
	h, ok := s.opts.Routes().Lookup(uuid, r.Method, route)
	if !ok {
		s.respondError(w, http.StatusNotFound, "plugin route not found")
		return
	}
	h(w, r)
}

func (s *Server) tenant(w http.ResponseWriter, r *http.Request) (*tenant.Tenant, bool) {
	if s.opts.Tenants == nil {
		s.respondError(w, http.StatusNotFound, "no slots configured")
		return nil, false
	}
	t, err := s.opts.Tenants.Get(mux.Vars(r)["slot"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return t, true
}

func (s *Server) queryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.QueryTimeout)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), v)
}

// respondStoreError maps storage errors to statuses: unknown slots and
// tables are 404, statements rejected by Postgres are 400, the rest 500.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, errspkg.ErrUnknownSlot), errors.Is(err, errspkg.ErrTableNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.respondError(w, http.StatusGatewayTimeout, "query timed out")
	case errors.As(err, &pgErr):
		s.respondError(w, http.StatusBadRequest, pgErr.Message)
	default:
		s.logger.Error("Storage request failed", err, nil)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("Failed to encode response", err, logging.LogFields{"status": status})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, errorResponse{Error: msg})
}
