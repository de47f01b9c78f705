package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/credit-pipeline/internal/config"
	"github.com/kirillkom/credit-pipeline/internal/core/domain"
	"github.com/kirillkom/credit-pipeline/internal/core/ports"
	"github.com/kirillkom/credit-pipeline/internal/infrastructure/report/xlsx"
	"github.com/kirillkom/credit-pipeline/internal/observability/metrics"
)

const (
	serviceName        = "api"
	maxMultipartMemory = 8 << 20
	maxJSONBodyBytes   = 1 << 20
	backpressureWait   = 100 * time.Millisecond
	xlsxContentType    = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Router struct {
	cfg       config.Config
	submitter ports.ApplicationSubmitter
	runner    ports.PipelineRunner
	reader    ports.ApplicationReader
	lister    ports.CheckpointLister
	metrics   *metrics.HTTPServerMetrics
	gatherers []prometheus.Gatherer
	logger    *slog.Logger
}

type RouterOption func(*Router)

// WithLister enables GET /v1/applications.
func WithLister(lister ports.CheckpointLister) RouterOption {
	return func(rt *Router) {
		rt.lister = lister
	}
}

// WithMetrics enables request metrics and GET /metrics. Extra gatherers are
// exposed on the same endpoint.
func WithMetrics(m *metrics.HTTPServerMetrics, extra ...prometheus.Gatherer) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
		rt.gatherers = extra
	}
}

func WithLogger(logger *slog.Logger) RouterOption {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func NewRouter(
	cfg config.Config,
	submitter ports.ApplicationSubmitter,
	runner ports.PipelineRunner,
	reader ports.ApplicationReader,
	opts ...RouterOption,
) *Router {
	rt := &Router{
		cfg:       cfg,
		submitter: submitter,
		runner:    runner,
		reader:    reader,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware(rt.logger))
	if rt.metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return rt.metrics.Middleware(serviceName, next)
		})
	}

	r.Get("/healthz", rt.healthz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler(rt.gatherers...))
	}

	r.Route("/v1/applications", func(api chi.Router) {
		api.Use(rateLimitMiddleware(rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst, rt.onRateLimited))
		api.Use(func(next http.Handler) http.Handler {
			return backpressureMiddleware(next, rt.cfg.APIMaxInFlight, backpressureWait)
		})

		api.Post("/", rt.submitApplication)
		api.Get("/", rt.listApplications)
		api.Route("/{id}", func(app chi.Router) {
			app.Get("/", rt.getApplication)
			app.Get("/audit", rt.getAudit)
			app.Get("/decision", rt.getDecision)
			app.Get("/report", rt.getReport)
			app.Post("/resume", rt.resume)
			app.Post("/retry", rt.retry)
			app.Post("/resolve", rt.resolve)
		})
	})
	return r
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Intake domain.IntakeData `json:"intake"`
}

type applicationResponse struct {
	ApplicationID string                `json:"application_id"`
	CurrentStage  domain.StageName      `json:"current_stage"`
	Version       int64                 `json:"version"`
	Decision      domain.DecisionStatus `json:"decision,omitempty"`
}

func summaryOf(state domain.ApplicationState) applicationResponse {
	out := applicationResponse{
		ApplicationID: state.ApplicationID,
		CurrentStage:  state.CurrentStage,
		Version:       state.Version,
	}
	if state.FinalDecision != nil {
		out.Decision = state.FinalDecision.Status
	}
	return out
}

// submitApplication accepts either a JSON body {"intake": {...}} or a
// multipart form with an "intake" JSON field and "documents" files.
func (rt *Router) submitApplication(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		intake    domain.IntakeData
		documents []ports.UploadedDocument
	)
	switch mediaType {
	case "multipart/form-data":
		if rt.cfg.MaxDocumentBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, int64(rt.cfg.MaxDocumentBytes)*4)
		}
		if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse multipart", err))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		if err := decodeIntake([]byte(r.FormValue("intake")), &intake); err != nil {
			rt.writeError(w, r, err)
			return
		}
		for _, header := range r.MultipartForm.File["documents"] {
			file, err := header.Open()
			if err != nil {
				rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "open upload", err))
				return
			}
			defer file.Close()
			documents = append(documents, ports.UploadedDocument{
				Filename: header.Filename,
				MimeType: header.Header.Get("Content-Type"),
				Body:     file,
			})
		}
	default:
		var req submitRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", err))
			return
		}
		intake = req.Intake
	}

	state, err := rt.submitter.Submit(r.Context(), intake, documents)
	if rt.metrics != nil {
		rt.metrics.RecordSubmission(serviceName, err)
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/applications/"+state.ApplicationID)
	writeJSON(w, http.StatusAccepted, summaryOf(state))
}

func decodeIntake(raw []byte, out *domain.IntakeData) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "decode intake", errors.New("form field 'intake' is required"))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode intake", err)
	}
	return nil
}

func (rt *Router) listApplications(w http.ResponseWriter, r *http.Request) {
	if rt.lister == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "listing is not configured", RequestID: requestIDFromContext(r.Context())})
		return
	}
	stage := domain.StageName(strings.TrimSpace(r.URL.Query().Get("stage")))
	if stage != "" && !stage.Valid() {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "list applications", fmt.Errorf("unknown stage %q", stage)))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "list applications", fmt.Errorf("invalid limit %q", raw)))
			return
		}
		limit = n
	}

	items, err := rt.lister.ListCheckpoints(r.Context(), stage, limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (rt *Router) load(w http.ResponseWriter, r *http.Request) (domain.ApplicationState, bool) {
	state, err := rt.reader.LoadCheckpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeError(w, r, err)
		return domain.ApplicationState{}, false
	}
	return state, true
}

func (rt *Router) getApplication(w http.ResponseWriter, r *http.Request) {
	if state, ok := rt.load(w, r); ok {
		writeJSON(w, http.StatusOK, state)
	}
}

func (rt *Router) getAudit(w http.ResponseWriter, r *http.Request) {
	if state, ok := rt.load(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"application_id": state.ApplicationID,
			"audit_trail":    state.AuditTrail,
		})
	}
}

func (rt *Router) getDecision(w http.ResponseWriter, r *http.Request) {
	state, ok := rt.load(w, r)
	if !ok {
		return
	}
	if state.FinalDecision == nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrDecisionUnavailable, "get decision",
			fmt.Errorf("application %s is at stage %s", state.ApplicationID, state.CurrentStage)))
		return
	}
	writeJSON(w, http.StatusOK, state.FinalDecision)
}

func (rt *Router) getReport(w http.ResponseWriter, r *http.Request) {
	state, ok := rt.load(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := xlsx.Write(&buf, state); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", state.ApplicationID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// resume and retry queue the work by default; ?wait=true drives the engine
// within the request instead.
func (rt *Router) resume(w http.ResponseWriter, r *http.Request) {
	rt.dispatch(w, r, domain.RunModeRun)
}

func (rt *Router) retry(w http.ResponseWriter, r *http.Request) {
	rt.dispatch(w, r, domain.RunModeRetry)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, mode domain.RunMode) {
	id := chi.URLParam(r, "id")
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if err := rt.submitter.Enqueue(r.Context(), id, mode); err != nil {
			rt.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"application_id": id, "mode": string(mode), "status": "queued"})
		return
	}

	var (
		state domain.ApplicationState
		err   error
	)
	if mode == domain.RunModeRetry {
		state, err = rt.runner.Retry(r.Context(), id)
	} else {
		state, err = rt.runner.Run(r.Context(), id)
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(state))
}

func (rt *Router) resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", err))
		return
	}

	state, err := rt.runner.ForceResolve(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(state))
}

func (rt *Router) onRateLimited(r *http.Request) {
	if rt.metrics != nil {
		rt.metrics.RecordRateLimited(serviceName, r.URL.Path)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
