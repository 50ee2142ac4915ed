package inspection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
	"github.com/bryanwahyu/automaton-inspect/internal/infra/capture"
)

var (
	ErrHazardNotFound = errors.New("hazard not found")
	ErrNoFrame        = errors.New("no frame captured yet")
	ErrPushNotAllowed = errors.New("session does not accept pushed frames")
)

const persistTimeout = time.Minute

// Result is what a finished session hands to the report stage.
type Result struct {
	Session  domain.Session               `json:"session"`
	Snapshot *domain.Snapshot             `json:"-"`
	Analysis *analysis.ComplianceAnalysis `json:"analysis"`
	Evidence map[string]string            `json:"evidence,omitempty"` // object key -> url
	Warnings []string                     `json:"warnings,omitempty"`
}

// Status is a point-in-time view for the operator app.
type Status struct {
	Session   domain.Session    `json:"session"`
	Summary   domain.Summary    `json:"summary"`
	Elapsed   float64           `json:"elapsed_seconds"`
	Connected bool              `json:"connected"`
	Capture   capture.LoopStats `json:"capture"`
	LastError string            `json:"last_error,omitempty"`
}

// Session is one running inspection. It is the engine's Observer: every
// engine event and operator action goes through mu into the Collector.
type Session struct {
	svc    *Service
	log    zerolog.Logger
	engine ai.Engine
	push   *capture.LatestSource

	mu            sync.Mutex
	loop          *capture.Loop
	collector     *domain.Collector
	lastNarration string
	lastFrame     *ai.Frame
	lastErr       error
	ended         bool // End/Cancel called
	sealed        bool // snapshot taken, further events ignored
	result        *Result

	findings  sync.WaitGroup
	done      chan struct{}
	exhausted chan struct{}
}

var _ ai.Observer = (*Session)(nil)

func (s *Session) ID() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector.Session().ID
}

func (s *Session) Header() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector.Session()
}

// Done is closed once the hand-off result is available.
func (s *Session) Done() <-chan struct{} { return s.done }

// SourceExhausted is closed when a finite frame source (a replay directory)
// has delivered its last frame. It never closes for pushed frames.
func (s *Session) SourceExhausted() <-chan struct{} { return s.exhausted }

// Result returns the hand-off result once the session finished.
func (s *Session) Result() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.result != nil
}

//
// ==== ENGINE EVENTS ====
//

func (s *Session) OnNarration(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.collector.AddTranscript(domain.SpeakerEngine, text)
	s.lastNarration = text
}

func (s *Session) OnAudio(mimeType string, data []byte) {
	s.log.Debug().Str("mime", mimeType).Int("bytes", len(data)).Msg("inspection: audio chunk")
}

// OnHazard tags the hazard with the latest narration as observation and
// the latest frame as evidence, then persists it in the background.
func (s *Session) OnHazard(r domain.HazardReport) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	var image []byte
	if s.lastFrame != nil {
		image = s.lastFrame.Data
	}
	h := s.collector.TagHazard(r, s.lastNarration, image)
	header := s.collector.Session()
	s.findings.Add(1)
	s.mu.Unlock()

	s.svc.metrics().HazardTagged(h.Severity == domain.SeverityCritical)
	s.log.Info().
		Int("hazard_id", int(h.ID)).
		Str("severity", string(h.Severity)).
		Str("category", string(h.Category)).
		Str("title", h.Title).
		Msg("inspection: hazard tagged")

	go func() {
		defer s.findings.Done()
		if s.svc.Repo == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.svc.Repo.InsertFinding(ctx, header.TenantID, header.ID, &h); err != nil {
			s.log.Warn().Err(err).Int("hazard_id", int(h.ID)).Msg("inspection: persist finding failed")
		}
	}()
}

func (s *Session) OnConnectionChange(connected bool) {
	s.mu.Lock()
	loop := s.loop
	s.mu.Unlock()
	if loop != nil {
		loop.SetEnabled(connected)
	}
	s.log.Debug().Bool("connected", connected).Msg("inspection: engine connection changed")
}

func (s *Session) OnError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.svc.metrics().EngineError()

	ev := s.log.Warn()
	if errors.Is(err, ai.ErrRetriesExhausted) {
		ev = s.log.Error()
	}
	ev.Err(err).Msg("inspection: engine error")
}

func (s *Session) rememberFrame(f ai.Frame) {
	s.mu.Lock()
	s.lastFrame = &f
	s.mu.Unlock()
	s.svc.metrics().FrameCaptured()
}

//
// ==== OPERATOR ACTIONS ====
//

// PushFrame feeds a frame from the operator app into the capture slot.
func (s *Session) PushFrame(f ai.Frame) error {
	if s.push == nil {
		return ErrPushNotAllowed
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidCommand)
	}
	if err := s.checkActive(); err != nil {
		return err
	}
	if f.CapturedAt.IsZero() {
		f.CapturedAt = s.svc.now()
	}
	s.push.Push(f)
	return nil
}

// Ask records an operator question and forwards it to the engine.
func (s *Session) Ask(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidCommand)
	}
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return domain.ErrSessionEnded
	}
	s.collector.AddTranscript(domain.SpeakerOperator, question)
	s.mu.Unlock()
	return s.engine.SendMessage(ctx, question)
}

// Confirm attaches operator confirmation text; a nil id targets the most
// recently tagged hazard.
func (s *Session) Confirm(id *domain.HazardID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return domain.ErrSessionEnded
	}
	if id == nil {
		s.collector.AddConfirmation(text)
		return nil
	}
	if !s.collector.ConfirmHazard(*id, text) {
		return ErrHazardNotFound
	}
	return nil
}

// FollowUp appends a question/answer pair; a nil id targets the most
// recently tagged hazard.
func (s *Session) FollowUp(id *domain.HazardID, question, answer string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidCommand)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return domain.ErrSessionEnded
	}
	if id == nil {
		s.collector.AddFollowUp(question, answer)
		return nil
	}
	if !s.collector.FollowUpHazard(*id, question, answer) {
		return ErrHazardNotFound
	}
	return nil
}

// SaveKeyFrame stores the latest captured frame as a report illustration.
func (s *Session) SaveKeyFrame(description string) (domain.KeyFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return domain.KeyFrame{}, domain.ErrSessionEnded
	}
	if s.lastFrame == nil {
		return domain.KeyFrame{}, ErrNoFrame
	}
	return s.collector.SaveKeyFrame(s.lastFrame.Data, description), nil
}

func (s *Session) Summary() domain.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector.Summary()
}

func (s *Session) Hazards() []domain.TaggedHazard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collector.Hazards()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	header := s.collector.Session()
	st := Status{
		Session: header,
		Summary: s.collector.Summary(),
		Elapsed: header.Elapsed(s.svc.now()).Seconds(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	loop := s.loop
	s.mu.Unlock()

	st.Connected = s.engine.Connected()
	if loop != nil {
		st.Capture = loop.Stats()
	}
	return st
}

func (s *Session) checkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return domain.ErrSessionEnded
	}
	return nil
}

//
// ==== END OF SESSION ====
//

// End completes the session and runs the hand-off.
func (s *Session) End(ctx context.Context) (*Result, error) { return s.finish(ctx, false) }

// Cancel stops the session early. The hand-off still runs and every piece
// of evidence collected so far is kept.
func (s *Session) Cancel(ctx context.Context) (*Result, error) { return s.finish(ctx, true) }

func (s *Session) finish(ctx context.Context, cancelled bool) (*Result, error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil, domain.ErrSessionEnded
	}
	s.ended = true
	loop := s.loop
	s.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	if err := s.engine.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("inspection: engine disconnect failed")
	}

	s.mu.Lock()
	s.sealed = true
	header := s.collector.Session()
	now := s.svc.now()
	var err error
	if cancelled {
		err = header.Cancel(now)
	} else {
		err = header.Complete(now)
	}
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.collector.SetSession(header)
	snap := s.collector.Snapshot()
	s.mu.Unlock()

	s.findings.Wait()

	var res *analysis.ComplianceAnalysis
	if s.svc.Handoff != nil {
		res = s.svc.Handoff.Analyze(ctx, &snap)
	} else {
		res = analysis.Fallback(&snap, now)
	}
	s.svc.metrics().Handoff(res.IsFallback())

	out := &Result{Session: header, Snapshot: &snap, Analysis: res}
	s.persist(ctx, out)

	s.mu.Lock()
	s.collector.SetSession(out.Session)
	s.result = out
	s.mu.Unlock()
	close(s.done)

	s.svc.metrics().SessionEnded(cancelled)
	s.log.Info().
		Str("status", string(out.Session.Status)).
		Str("origin", string(res.Origin)).
		Str("risk", string(res.OverallRiskLevel)).
		Int("hazards", len(snap.Hazards)).
		Msg("inspection: session finished")
	return out, nil
}

// persist uploads evidence and records the outcome. Failures are logged and
// reported as warnings; the in-memory result is always returned.
func (s *Session) persist(ctx context.Context, out *Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	warn := func(msg string, err error) {
		s.log.Warn().Err(err).Msg("inspection: " + msg)
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %v", msg, err))
	}

	tenant, id := out.Session.TenantID, out.Session.ID
	prefix := fmt.Sprintf("%s/inspections/%s", tenant, id)
	var analysisURL string

	if ev := s.svc.Evidence; ev != nil {
		out.Evidence = make(map[string]string)
		put := func(key, contentType string, data []byte) string {
			url, err := ev.PutObject(ctx, key, contentType, data)
			if err != nil {
				warn("upload "+key, err)
				return ""
			}
			out.Evidence[key] = url
			return url
		}

		for _, h := range out.Snapshot.Hazards {
			if len(h.Image) > 0 {
				put(fmt.Sprintf("%s/hazards/%d.jpg", prefix, h.ID), "image/jpeg", h.Image)
			}
		}
		for i, kf := range out.Snapshot.KeyFrames {
			put(fmt.Sprintf("%s/key-frames/%03d.jpg", prefix, i+1), "image/jpeg", kf.Image)
		}
		if data, err := json.MarshalIndent(withoutImages(out.Snapshot), "", "  "); err != nil {
			warn("encode snapshot", err)
		} else {
			put(prefix+"/snapshot.json", "application/json", data)
		}
		if data, err := json.MarshalIndent(out.Analysis, "", "  "); err != nil {
			warn("encode analysis", err)
		} else {
			analysisURL = put(prefix+"/analysis.json", "application/json", data)
		}
	}

	if s.svc.Analyses != nil {
		data, err := json.Marshal(out.Analysis)
		if err != nil {
			warn("encode analysis record", err)
		} else {
			rec := &analysis.Record{
				ID:        analysis.RecordID(uuid.New().String()),
				TenantID:  tenant,
				SessionID: id,
				Origin:    out.Analysis.Origin,
				RiskLevel: out.Analysis.OverallRiskLevel,
				RiskScore: out.Analysis.RiskScore,
				FileURL:   analysisURL,
				Result:    string(data),
				CreatedAt: s.svc.now(),
			}
			if err := s.svc.Analyses.Save(ctx, rec); err != nil {
				warn("save analysis record", err)
			} else {
				out.Session.LinkReport(string(rec.ID))
			}
		}
	}

	if s.svc.Repo != nil {
		if err := s.svc.Repo.UpdateSession(ctx, &out.Session); err != nil {
			warn("update session", err)
		}
	}
}

func withoutImages(snap *domain.Snapshot) domain.Snapshot {
	cp := *snap
	cp.Hazards = make([]domain.TaggedHazard, len(snap.Hazards))
	for i, h := range snap.Hazards {
		h.Image = nil
		cp.Hazards[i] = h
	}
	cp.KeyFrames = make([]domain.KeyFrame, len(snap.KeyFrames))
	for i, kf := range snap.KeyFrames {
		kf.Image = nil
		cp.KeyFrames[i] = kf
	}
	return cp
}
