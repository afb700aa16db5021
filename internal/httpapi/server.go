// Package httpapi serves the waked tool API: state, backlog, ledger,
// notifications, approvals, wake triggering, and the SSE event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/controller"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/notify"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store/postgres"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/toolkit"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

const serverVersion = "0.1.0"

// toolNames is the tool surface advertised at /.
var toolNames = []string{
	"read_state",
	"write_state",
	"read_backlog",
	"add_task",
	"update_task",
	"log_accomplishment",
	"send_notification",
	"check_schedule",
}

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more
// than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets permissive CORS headers for dev mode.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, SSE hub, store, toolkit, and controller.
type App struct {
	Server     *http.Server
	Hub        *SSEHub
	Store      store.Store
	Toolkit    *toolkit.Toolkit
	Notifier   *notify.Registry
	Controller *controller.Controller
	Home       string
	// Schedule is set by the wake trigger so check_schedule can report the
	// next scheduled wake. Nil when the server runs without a trigger.
	Schedule func() models.Schedule
}

// NewApp creates the HTTP app (server, hub, store, toolkit, controller) and
// registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	reg := notify.FromEnv()
	app := &App{
		Hub:      hub,
		Store:    st,
		Toolkit:  &toolkit.Toolkit{Store: st, Notifier: reg},
		Notifier: reg,
		Home:     opts.Home,
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handleLegacyMetrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, models.ServerInfo{Name: "waked", Version: serverVersion, Tools: toolNames})
	})

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/wake", app.handleWake)

	mux.HandleFunc("/tools/read_state", app.handleReadState)
	mux.HandleFunc("/tools/write_state", app.handleWriteState)
	mux.HandleFunc("/tools/read_backlog", app.handleReadBacklog)
	mux.HandleFunc("/tools/add_task", app.handleAddTask)
	mux.HandleFunc("/tools/update_task", app.handleUpdateTask)
	mux.HandleFunc("/tools/log_accomplishment", app.handleLogAccomplishment)
	mux.HandleFunc("/tools/send_notification", app.handleSendNotification)
	mux.HandleFunc("/tools/check_schedule", app.handleCheckSchedule)

	mux.HandleFunc("/approvals", app.handleApprovals)
	mux.HandleFunc("/approvals/", app.handleApprovalResolve)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("WAKED_API_KEY")
	}
	if apiKey != "" {
		handler = apiKeyMiddleware(apiKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "waked")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// handleLegacyMetrics serves a minimal plain-text exposition when the OTel
// exporter is disabled.
func (a *App) handleLegacyMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var pending, inProgress, blocked, complete, failed int64
	tasks, _ := a.Store.ListTasks(r.Context(), "", 0)
	for _, t := range tasks {
		switch t.Status {
		case models.StatusPending:
			pending++
		case models.StatusInProgress:
			inProgress++
		case models.StatusBlocked:
			blocked++
		case models.StatusComplete:
			complete++
		case models.StatusFailed:
			failed++
		}
	}
	_, _ = fmt.Fprintf(w, "# TYPE waked_tasks_total gauge\n")
	_, _ = fmt.Fprintf(w, "waked_tasks_total{status=\"pending\"} %d\n", pending)
	_, _ = fmt.Fprintf(w, "waked_tasks_total{status=\"in_progress\"} %d\n", inProgress)
	_, _ = fmt.Fprintf(w, "waked_tasks_total{status=\"blocked\"} %d\n", blocked)
	_, _ = fmt.Fprintf(w, "waked_tasks_total{status=\"complete\"} %d\n", complete)
	_, _ = fmt.Fprintf(w, "waked_tasks_total{status=\"failed\"} %d\n", failed)
}

// handleWake triggers one wake cycle synchronously. A held lease returns 409;
// the caller retries later rather than queueing.
func (a *App) handleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.Controller == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no wake controller configured")
		return
	}
	res, err := a.Controller.Wake(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			writeJSONError(w, http.StatusConflict, "wake already in progress")
			return
		}
		// The wake ran and failed; the outcome is still a result.
		writeJSON(w, wakeResultToModel(res))
		return
	}
	writeJSON(w, wakeResultToModel(res))
}

func wakeResultToModel(res controller.Result) models.WakeResult {
	return models.WakeResult{
		Outcome:        res.Outcome,
		TaskID:         res.TaskID,
		Action:         res.Action,
		Classification: res.Classification,
		Reason:         res.Reason,
		WakeCount:      res.WakeCount,
	}
}

func (a *App) handleReadState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st, err := a.Toolkit.ReadState(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, st)
}

func (a *App) handleWriteState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Version int64             `json:"version"`
		Patch   models.StatePatch `json:"patch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	st, err := a.Toolkit.WriteState(r.Context(), body.Version, body.Patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "state_update", "version": st.Version})
	writeJSON(w, st)
}

func (a *App) handleReadBacklog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if r.Method == http.MethodPost {
		var body struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			if body.Status != "" {
				status = body.Status
			}
			if body.Limit > 0 {
				limit = body.Limit
			}
		}
	}
	tasks, err := a.Toolkit.ReadBacklog(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, tasks)
}

func (a *App) handleAddTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := a.Toolkit.AddTask(r.Context(), body.Title, body.Description, body.Priority)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
	writeJSON(w, t)
}

func (a *App) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	t, err := a.Toolkit.UpdateTask(r.Context(), body.ID, body.Status, body.Notes)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "task_update", "task_id": t.ID, "status": t.Status})
	writeJSON(w, t)
}

func (a *App) handleLogAccomplishment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var rec models.Accomplishment
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := a.Toolkit.LogAccomplishment(r.Context(), rec)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{"record_id": id})
}

func (a *App) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var n models.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.Toolkit.SendNotification(r.Context(), n); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (a *App) handleCheckSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.Schedule == nil {
		writeJSON(w, models.Schedule{Interval: "manual"})
		return
	}
	writeJSON(w, a.Schedule())
}

func (a *App) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	pendingOnly := r.URL.Query().Get("pending") == "1" || r.URL.Query().Get("pending") == "true"
	items, err := a.Store.ListApprovals(r.Context(), pendingOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]models.Approval, 0, len(items))
	for _, ap := range items {
		out = append(out, models.Approval{
			ApprovalID:  ap.ApprovalID,
			Fingerprint: ap.Fingerprint,
			TaskID:      ap.TaskID,
			Summary:     ap.Summary,
			Outcome:     ap.Outcome,
			CreatedAt:   ap.CreatedAt,
			ResolvedAt:  ap.ResolvedAt,
		})
	}
	writeJSON(w, out)
}

// handleApprovalResolve handles POST /approvals/{id}/grant and
// /approvals/{id}/deny.
func (a *App) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid approval id")
		return
	}
	var outcome string
	switch parts[1] {
	case "grant":
		outcome = models.ApprovalGranted
	case "deny":
		outcome = models.ApprovalDenied
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err := a.Store.ResolveApproval(r.Context(), id, outcome); err != nil {
		writeStoreError(w, err)
		return
	}
	a.Hub.PublishJSON(map[string]any{"type": "approval_update", "approval_id": id, "outcome": outcome})
	writeJSON(w, map[string]any{"ok": true})
}

// writeStoreError maps store and toolkit errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, toolkit.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrDuplicateID),
		errors.Is(err, store.ErrBusy):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
