package httpserver

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	appinspect "github.com/bryanwahyu/automaton-inspect/internal/application/inspection"
	domai "github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/ai/engines"
	"github.com/bryanwahyu/automaton-inspect/internal/middleware"
	"github.com/bryanwahyu/automaton-inspect/internal/observability"
)

// maxFrameBytes bounds one pushed camera frame
const maxFrameBytes = 8 << 20

type Options struct {
	APIKeys        map[string]string // tenant -> key; empty disables auth
	RateLimit      int               // requests per minute, 0 disables
	FrameInterval  time.Duration     // capture interval bounding frame pushes per session, 0 disables
	AllowedOrigins []string
	Checkers       map[string]middleware.HealthChecker
	Log            zerolog.Logger
}

type Router struct {
	svc *appinspect.Service
	log zerolog.Logger
}

func NewRouter(svc *appinspect.Service, opts Options) http.Handler {
	r := &Router{svc: svc, log: opts.Log}
	mux := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "traceparent", "tracestate"},
		MaxAge:         300,
	}))
	mux.Use(middleware.Tracing)
	mux.Use(middleware.LoggingMiddleware(opts.Log))
	mux.Use(middleware.MetricsMiddleware)
	if len(opts.APIKeys) > 0 {
		mux.Use(middleware.APIKeyAuth(opts.APIKeys))
	}
	if opts.RateLimit > 0 {
		mux.Use(middleware.RateLimitMiddleware(opts.RateLimit))
	}

	mux.Get("/health", middleware.HealthHandler(opts.Checkers))
	mux.Get("/ready", middleware.ReadinessHandler(svc.Active))
	mux.Get("/live", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Use(middleware.RequireValidTenant)

		rt.Post("/inspections", r.wrap(r.handleStart))
		rt.Get("/analyses", r.wrap(r.handleAnalyses))

		rt.Route("/inspections/{id}", func(it chi.Router) {
			it.Get("/", r.wrap(r.handleGet))
			it.Delete("/", r.wrap(r.handleForget))
			var frameLimit []func(http.Handler) http.Handler
			if opts.FrameInterval > 0 {
				frameLimit = append(frameLimit, middleware.FrameRateLimit(opts.FrameInterval))
			}
			it.With(frameLimit...).Post("/frames", r.wrap(r.handleFrame))
			it.Post("/questions", r.wrap(r.handleQuestion))
			it.Post("/confirmations", r.wrap(r.handleConfirm))
			it.Post("/follow-ups", r.wrap(r.handleFollowUp))
			it.Post("/key-frames", r.wrap(r.handleKeyFrame))
			it.Post("/end", r.wrap(r.handleEnd))
			it.Post("/cancel", r.wrap(r.handleCancel))
		})
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// badRequest marks input errors raised by the handlers themselves
type badRequest struct{ error }

func invalid(format string, args ...any) error {
	return badRequest{fmt.Errorf(format, args...)}
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var br badRequest
		switch {
		case errors.As(err, &br),
			errors.Is(err, appinspect.ErrInvalidCommand),
			errors.Is(err, appinspect.ErrUnknownEngine),
			errors.Is(err, engines.ErrUnknownMode),
			errors.Is(err, appinspect.ErrPushNotAllowed):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, sql.ErrNoRows),
			errors.Is(err, appinspect.ErrNotFound),
			errors.Is(err, appinspect.ErrHazardNotFound):
			http.Error(w, "not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrSessionEnded),
			errors.Is(err, appinspect.ErrNoFrame):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
		case errors.Is(err, domai.ErrHandshakeTimeout),
			errors.Is(err, domai.ErrClosedDuringHandshake),
			errors.Is(err, domai.ErrClosedUnexpectedly),
			errors.Is(err, domai.ErrAnalysisFailed):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			log := observability.WithTrace(req.Context(), r.log)
			log.Error().Err(err).Str("path", req.URL.Path).Msg("http: handler failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return invalid("invalid JSON body: %v", err)
	}
	return nil
}

// session resolves {tenant}/{id} to a live (or recently finished) session
func (r *Router) session(req *http.Request) (*appinspect.Session, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateSessionID(id); err != nil {
		return nil, badRequest{err}
	}
	return r.svc.Get(chi.URLParam(req, "tenant"), domain.SessionID(id))
}

// POST /v1/{tenant}/inspections
// Body: {"site_name": "...", "site_address": "...", "engine": "streaming|polling"}
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		SiteName    string `json:"site_name"`
		SiteAddress string `json:"site_address"`
		Engine      string `json:"engine"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.SiteName = middleware.SanitizeString(body.SiteName)
	body.SiteAddress = middleware.SanitizeString(body.SiteAddress)
	if err := middleware.ValidateSiteName(body.SiteName, body.SiteAddress); err != nil {
		return badRequest{err}
	}
	if err := middleware.ValidateEngine(body.Engine); err != nil {
		return badRequest{err}
	}

	sess, err := r.svc.Start(req.Context(), appinspect.StartCommand{
		TenantID:    chi.URLParam(req, "tenant"),
		SiteName:    body.SiteName,
		SiteAddress: body.SiteAddress,
		Engine:      body.Engine,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, sess.Status())
}

// GET /v1/{tenant}/inspections/{id}
// Live sessions report their running status; finished ones also carry the
// hand-off result. Sessions no longer in memory are read from the repository.
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if errors.Is(err, appinspect.ErrNotFound) && r.svc.Repo != nil {
		return r.handleStored(w, req)
	}
	if err != nil {
		return err
	}

	resp := map[string]any{"status": sess.Status()}
	if res, done := sess.Result(); done {
		resp["result"] = res
	}
	return writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleStored(w http.ResponseWriter, req *http.Request) error {
	tenant, id := chi.URLParam(req, "tenant"), domain.SessionID(chi.URLParam(req, "id"))
	header, err := r.svc.Repo.GetSession(req.Context(), tenant, id)
	if err != nil {
		return err
	}
	resp := map[string]any{"session": header}
	if r.svc.Analyses != nil {
		rec, err := r.svc.Analyses.LatestBySession(req.Context(), tenant, id)
		switch {
		case err == nil && rec != nil:
			resp["analysis"] = json.RawMessage(rec.Result)
			resp["analysis_url"] = rec.FileURL
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}
	return writeJSON(w, http.StatusOK, resp)
}

// DELETE /v1/{tenant}/inspections/{id} drops a finished session from memory
func (r *Router) handleForget(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	if _, done := sess.Result(); !done {
		return fmt.Errorf("%w: end or cancel the session first", appinspect.ErrInvalidCommand)
	}
	r.svc.Forget(chi.URLParam(req, "tenant"), sess.ID())
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/{tenant}/inspections/{id}/frames
// Body: raw image/jpeg (or image/png), or {"image": "<base64>", "mime_type": "image/jpeg"}
func (r *Router) handleFrame(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxFrameBytes)
	frame, err := readFrame(req)
	if err != nil {
		return err
	}
	if err := sess.PushFrame(frame); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "bytes": len(frame.Data)})
}

func readFrame(req *http.Request) (domai.Frame, error) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(req.Header.Get("Content-Type"), ";")[0]))
	switch ct {
	case "image/jpeg", "image/png":
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return domai.Frame{}, invalid("read frame: %v", err)
		}
		return domai.Frame{Data: data, MIMEType: ct, CapturedAt: time.Now()}, nil
	case "application/json", "":
		var body struct {
			Image    string `json:"image"`
			MIMEType string `json:"mime_type"`
		}
		if err := decode(req, &body); err != nil {
			return domai.Frame{}, err
		}
		// data URLs from a browser canvas are accepted as well
		if i := strings.Index(body.Image, ";base64,"); i >= 0 && strings.HasPrefix(body.Image, "data:") {
			if body.MIMEType == "" {
				body.MIMEType = body.Image[len("data:"):i]
			}
			body.Image = body.Image[i+len(";base64,"):]
		}
		data, err := base64.StdEncoding.DecodeString(body.Image)
		if err != nil {
			return domai.Frame{}, invalid("image must be base64: %v", err)
		}
		if body.MIMEType == "" {
			body.MIMEType = "image/jpeg"
		}
		return domai.Frame{Data: data, MIMEType: body.MIMEType, CapturedAt: time.Now()}, nil
	default:
		return domai.Frame{}, invalid("unsupported content type %q", ct)
	}
}

// POST /v1/{tenant}/inspections/{id}/questions
// Body: {"question": "..."}
func (r *Router) handleQuestion(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	var body struct {
		Question string `json:"question"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.Question = middleware.SanitizeString(body.Question)
	if err := middleware.ValidateText("question", body.Question, true); err != nil {
		return badRequest{err}
	}
	if err := sess.Ask(req.Context(), body.Question); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// POST /v1/{tenant}/inspections/{id}/confirmations
// Body: {"text": "...", "hazard_id": 2}; hazard_id defaults to the latest hazard
func (r *Router) handleConfirm(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	var body struct {
		Text     string `json:"text"`
		HazardID *int   `json:"hazard_id"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.Text = middleware.SanitizeString(body.Text)
	if err := middleware.ValidateText("text", body.Text, true); err != nil {
		return badRequest{err}
	}
	id, err := middleware.ParseHazardID(body.HazardID)
	if err != nil {
		return badRequest{err}
	}
	if err := sess.Confirm(id, body.Text); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"hazards": sess.Hazards()})
}

// POST /v1/{tenant}/inspections/{id}/follow-ups
// Body: {"question": "...", "answer": "...", "hazard_id": 2}
func (r *Router) handleFollowUp(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	var body struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		HazardID *int   `json:"hazard_id"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.Question = middleware.SanitizeString(body.Question)
	body.Answer = middleware.SanitizeString(body.Answer)
	if err := middleware.ValidateText("question", body.Question, true); err != nil {
		return badRequest{err}
	}
	if err := middleware.ValidateText("answer", body.Answer, false); err != nil {
		return badRequest{err}
	}
	id, err := middleware.ParseHazardID(body.HazardID)
	if err != nil {
		return badRequest{err}
	}
	if err := sess.FollowUp(id, body.Question, body.Answer); err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"hazards": sess.Hazards()})
}

// POST /v1/{tenant}/inspections/{id}/key-frames
// Body: {"description": "..."}; the latest captured frame is stored
func (r *Router) handleKeyFrame(w http.ResponseWriter, req *http.Request) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	var body struct {
		Description string `json:"description"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.Description = middleware.SanitizeString(body.Description)
	if err := middleware.ValidateText("description", body.Description, false); err != nil {
		return badRequest{err}
	}
	kf, err := sess.SaveKeyFrame(body.Description)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"at":              kf.At,
		"elapsed_seconds": kf.ElapsedSeconds,
		"description":     kf.Description,
		"bytes":           len(kf.Image),
	})
}

// POST /v1/{tenant}/inspections/{id}/end
func (r *Router) handleEnd(w http.ResponseWriter, req *http.Request) error {
	return r.finish(w, req, false)
}

// POST /v1/{tenant}/inspections/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	return r.finish(w, req, true)
}

func (r *Router) finish(w http.ResponseWriter, req *http.Request, cancel bool) error {
	sess, err := r.session(req)
	if err != nil {
		return err
	}
	var res *appinspect.Result
	if cancel {
		res, err = sess.Cancel(req.Context())
	} else {
		res, err = sess.End(req.Context())
	}
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"session":  res.Session,
		"summary":  res.Snapshot.Summary,
		"analysis": res.Analysis,
		"evidence": res.Evidence,
		"warnings": res.Warnings,
	})
}

// GET /v1/{tenant}/analyses?page=&page_size=
func (r *Router) handleAnalyses(w http.ResponseWriter, req *http.Request) error {
	if r.svc.Analyses == nil {
		return writeJSON(w, http.StatusOK, []any{})
	}
	page := middleware.ParsePage(req.URL.Query().Get("page"))
	size, _ := strconv.Atoi(req.URL.Query().Get("page_size"))

	list, err := r.svc.Analyses.Paginate(req.Context(), chi.URLParam(req, "tenant"), page, middleware.ValidateLimit(size))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}
