package inspection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
	"github.com/bryanwahyu/automaton-inspect/internal/application/handoff"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/capture"
)

var (
	ErrNotFound       = errors.New("inspection session not found")
	ErrInvalidCommand = errors.New("invalid inspection command")
	ErrUnknownEngine  = errors.New("unknown analysis engine")
)

// EngineFactory builds the engine named by mode ("streaming", "polling")
// with obs as its event sink. An empty mode selects the configured default.
type EngineFactory func(mode string, obs ai.Observer) (ai.Engine, error)

// Recorder receives operational counters; middleware.InspectionMetrics
// implements it.
type Recorder interface {
	SessionStarted()
	SessionEnded(cancelled bool)
	FrameCaptured()
	HazardTagged(critical bool)
	EngineError()
	Handoff(fallback bool)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()   {}
func (nopRecorder) SessionEnded(bool) {}
func (nopRecorder) FrameCaptured()    {}
func (nopRecorder) HazardTagged(bool) {}
func (nopRecorder) EngineError()      {}
func (nopRecorder) Handoff(bool)      {}

// Service implements use-cases untuk inspection session
// Service is safe for concurrent use; each Session serialises its own events.
type Service struct {
	Repo     domain.Repository     // optional
	Analyses analysis.Repository   // optional
	Evidence domain.EvidenceStore  // optional
	Handoff  *handoff.Analyzer
	Engines  EngineFactory
	Clock    application.Clock
	Metrics  Recorder
	Log      zerolog.Logger
	Interval time.Duration // capture interval

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	tenant string
	id     domain.SessionID
}

// StartCommand untuk mulai inspection
type StartCommand struct {
	TenantID    string
	SiteName    string
	SiteAddress string
	Engine      string
	// Source overrides the default push slot (e.g. a directory replay).
	Source capture.Source
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

func (s *Service) metrics() Recorder {
	if s.Metrics == nil {
		return nopRecorder{}
	}
	return s.Metrics
}

// Start creates the session, connects its engine and starts capturing.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Session, error) {
	cmd.SiteName = strings.TrimSpace(cmd.SiteName)
	if cmd.SiteName == "" {
		return nil, fmt.Errorf("%w: site name is required", ErrInvalidCommand)
	}
	if cmd.TenantID == "" {
		cmd.TenantID = "default"
	}
	if s.Engines == nil {
		return nil, fmt.Errorf("%w: no engine factory", ErrUnknownEngine)
	}

	header := domain.Session{
		ID:          domain.SessionID(uuid.New().String()),
		TenantID:    cmd.TenantID,
		SiteName:    cmd.SiteName,
		SiteAddress: strings.TrimSpace(cmd.SiteAddress),
		StartedAt:   s.now(),
		Status:      domain.StatusActive,
	}
	log := s.Log.With().Str("session_id", string(header.ID)).Str("tenant", header.TenantID).Logger()

	sess := &Session{
		svc:       s,
		log:       log,
		collector: domain.NewCollector(header, s.Clock),
		done:      make(chan struct{}),
		exhausted: make(chan struct{}),
	}

	engine, err := s.Engines(cmd.Engine, sess)
	if err != nil {
		return nil, err
	}
	sess.engine = engine

	src := cmd.Source
	if src == nil {
		sess.push = capture.NewLatestSource()
		src = sess.push
	}
	loop := capture.NewLoop(src, engine, s.Interval, log)
	loop.OnFrame = sess.rememberFrame
	loop.OnExhausted = func() { close(sess.exhausted) }
	sess.mu.Lock()
	sess.loop = loop
	sess.mu.Unlock()

	if s.Repo != nil {
		if err := s.Repo.CreateSession(ctx, &header); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	if err := engine.Connect(ctx); err != nil {
		_ = engine.Disconnect()
		log.Error().Err(err).Msg("inspection: engine connect failed")
		if s.Repo != nil {
			_ = header.Cancel(s.now())
			if uerr := s.Repo.UpdateSession(context.Background(), &header); uerr != nil {
				log.Warn().Err(uerr).Msg("inspection: mark session cancelled failed")
			}
		}
		return nil, fmt.Errorf("connect engine: %w", err)
	}
	loop.SetEnabled(engine.Connected())
	loop.Start(context.Background())

	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[sessionKey]*Session)
	}
	s.sessions[sessionKey{header.TenantID, header.ID}] = sess
	s.mu.Unlock()

	s.metrics().SessionStarted()
	log.Info().Str("site", header.SiteName).Str("engine", cmd.Engine).Msg("inspection: session started")
	return sess, nil
}

// Get returns a live or finished session kept in memory.
func (s *Service) Get(tenant string, id domain.SessionID) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{tenant, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Active counts sessions that have not finished yet.
func (s *Service) Active() int {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	n := 0
	for _, sess := range all {
		if _, done := sess.Result(); !done {
			n++
		}
	}
	return n
}

// Forget drops a finished session from memory.
func (s *Service) Forget(tenant string, id domain.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{tenant, id})
}

// Shutdown cancels every active session, e.g. on process exit.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	active := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		if _, err := sess.Cancel(ctx); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			sess.log.Warn().Err(err).Msg("inspection: cancel on shutdown failed")
		}
	}
}
