package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"comboval/internal/domain"
	"comboval/internal/store"
)

// ReportHandler serves persisted runs and reports over HTTP.
type ReportHandler struct {
	reader store.ReportReader
	log    *slog.Logger
}

// NewReportHandler creates a ReportHandler. A nil logger uses slog.Default.
func NewReportHandler(reader store.ReportReader, log *slog.Logger) *ReportHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ReportHandler{reader: reader, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *ReportHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/runs", h.handleRuns)
	mux.HandleFunc("GET /api/reports", h.handleReports)
	mux.HandleFunc("GET /api/reports/{type}/{combo}", h.handleReport)
}

// Handler returns an http.Handler with CORS middleware.
func (h *ReportHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func (h *ReportHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleRuns returns the most recent runs. Query: limit (default 20).
func (h *ReportHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.reader.ListRuns(r.Context(), limit)
	if err != nil {
		h.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	if runs == nil {
		runs = []store.RunInfo{}
	}
	writeJSON(w, runs)
}

// handleReports lists reports. Query: run, type, min_used, order, limit.
func (h *ReportHandler) handleReports(w http.ResponseWriter, r *http.Request) {
	q, err := parseReportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.reader.ListReports(r.Context(), q)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no reports")
		return
	}
	if err != nil {
		h.log.Error("listing reports", "run_id", q.RunID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing reports failed")
		return
	}
	if reports == nil {
		reports = []domain.ComboReport{}
	}
	writeJSON(w, reports)
}

// handleReport returns one report. Query: run (default latest).
func (h *ReportHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	key := domain.ComboKey{Type: r.PathValue("type"), Name: r.PathValue("combo")}
	runID := r.URL.Query().Get("run")
	rep, err := h.reader.GetReport(r.Context(), runID, key)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found: "+key.String())
		return
	}
	if err != nil {
		h.log.Error("getting report", "run_id", runID, "combo", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "getting report failed")
		return
	}
	writeJSON(w, rep)
}

func parseReportQuery(r *http.Request) (store.ReportQuery, error) {
	v := r.URL.Query()
	q := store.ReportQuery{
		RunID:     v.Get("run"),
		ComboType: v.Get("type"),
		OrderBy:   v.Get("order"),
	}
	if q.OrderBy != "" && !slices.Contains(store.ReportOrderings, q.OrderBy) {
		return q, errors.New("unsupported order: " + q.OrderBy)
	}
	var err error
	if q.MinUsed, err = intParam(r, "min_used", 0); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(r, "limit", 0); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + s)
	}
	return n, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
