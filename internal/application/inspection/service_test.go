package inspection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-inspect/internal/application/handoff"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/ai"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	domain "github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

type fakeEngine struct {
	obs        ai.Observer
	connectErr error

	mu        sync.Mutex
	connected bool
	frames    []ai.Frame
	messages  []string
}

func (e *fakeEngine) Connect(context.Context) error {
	if e.connectErr != nil {
		return e.connectErr
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	e.obs.OnConnectionChange(true)
	return nil
}

func (e *fakeEngine) SendFrame(_ context.Context, f ai.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
	return nil
}

func (e *fakeEngine) SendMessage(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, text)
	return nil
}

func (e *fakeEngine) Disconnect() error {
	e.mu.Lock()
	was := e.connected
	e.connected = false
	e.mu.Unlock()
	if was {
		e.obs.OnConnectionChange(false)
	}
	return nil
}

func (e *fakeEngine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) frameCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

type memRepo struct {
	mu       sync.Mutex
	created  []domain.Session
	updated  []domain.Session
	findings map[domain.SessionID][]domain.TaggedHazard
}

func newMemRepo() *memRepo {
	return &memRepo{findings: make(map[domain.SessionID][]domain.TaggedHazard)}
}

func (r *memRepo) CreateSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, *s)
	return nil
}

func (r *memRepo) UpdateSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, *s)
	return nil
}

func (r *memRepo) GetSession(context.Context, string, domain.SessionID) (*domain.Session, error) {
	return nil, errors.New("not used")
}

func (r *memRepo) InsertFinding(_ context.Context, _ string, id domain.SessionID, h *domain.TaggedHazard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings[id] = append(r.findings[id], *h)
	return nil
}

type memEvidence struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memEvidence) PutObject(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (m *memEvidence) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}

type memAnalyses struct {
	mu      sync.Mutex
	records []*analysis.Record
}

func (m *memAnalyses) Save(_ context.Context, r *analysis.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memAnalyses) Paginate(context.Context, string, int, int) ([]*analysis.Record, error) {
	return nil, nil
}

func (m *memAnalyses) LatestBySession(context.Context, string, domain.SessionID) (*analysis.Record, error) {
	return nil, nil
}

type failingReasoner struct{}

func (failingReasoner) Reason(context.Context, *domain.Snapshot) (*analysis.ComplianceAnalysis, error) {
	return nil, errors.New("backend unavailable")
}

type fixture struct {
	svc      *Service
	engine   *fakeEngine
	repo     *memRepo
	evidence *memEvidence
	analyses *memAnalyses
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:   &fakeEngine{},
		repo:     newMemRepo(),
		evidence: &memEvidence{},
		analyses: &memAnalyses{},
	}
	f.svc = &Service{
		Repo:     f.repo,
		Analyses: f.analyses,
		Evidence: f.evidence,
		Handoff:  handoff.NewAnalyzer(failingReasoner{}, time.Second, zerolog.Nop()),
		Engines: func(mode string, obs ai.Observer) (ai.Engine, error) {
			if mode == "bogus" {
				return nil, ErrUnknownEngine
			}
			f.engine.obs = obs
			return f.engine, nil
		},
		Log:      zerolog.Nop(),
		Interval: 5 * time.Millisecond,
	}
	return f
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	sess, err := f.svc.Start(context.Background(), StartCommand{TenantID: "acme", SiteName: "Warehouse 7"})
	require.NoError(t, err)
	return sess
}

func (f *fixture) pushAndWait(t *testing.T, sess *Session, payload string) {
	t.Helper()
	before := f.engine.frameCount()
	require.NoError(t, sess.PushFrame(ai.Frame{Data: []byte(payload), MIMEType: "image/jpeg"}))
	require.Eventually(t, func() bool { return f.engine.frameCount() > before }, 2*time.Second, time.Millisecond)
}

func TestSession_EndToEndFallbackHandoff(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	f.pushAndWait(t, sess, "frame-1")
	f.engine.obs.OnNarration("Entering the kitchen, pallets block the rear exit.")
	f.engine.obs.OnHazard(domain.HazardReport{
		Category: domain.CategorySafety, Severity: domain.SeverityCritical,
		Title: "Blocked fire exit", Description: "Pallets stacked against the exit door",
	})
	require.NoError(t, sess.Confirm(nil, "Confirmed, exit is fully blocked"))

	f.pushAndWait(t, sess, "frame-2")
	f.engine.obs.OnHazard(domain.HazardReport{Title: "Worn stair tread", Description: "Edge is chipped", Severity: domain.SeverityLow})
	require.NoError(t, sess.Ask(context.Background(), "Is the basement door rated?"))

	_, err := sess.SaveKeyFrame("rear corridor overview")
	require.NoError(t, err)

	res, err := sess.End(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, res.Session.Status)
	require.NotNil(t, res.Session.EndedAt)
	assert.NotEmpty(t, res.Session.ReportID)

	snap := res.Snapshot
	require.Len(t, snap.Hazards, 2)
	assert.Equal(t, 2, snap.Summary.TotalHazards)
	assert.Equal(t, 1, snap.Summary.CriticalCount)
	assert.Equal(t, 1, snap.Summary.LowCount)
	assert.Equal(t, "Confirmed, exit is fully blocked", snap.Hazards[0].Confirmation)
	assert.Equal(t, "Entering the kitchen, pallets block the rear exit.", snap.Hazards[0].Observation)
	assert.Equal(t, "frame-1", string(snap.Hazards[0].Image))
	assert.Equal(t, "frame-2", string(snap.Hazards[1].Image))
	assert.Contains(t, snap.Summary.AreasInspected, "kitchen")
	assert.Contains(t, snap.Summary.AreasInspected, "basement")
	require.Len(t, snap.KeyFrames, 1)

	an := res.Analysis
	assert.Equal(t, analysis.OriginFallback, an.Origin)
	assert.Equal(t, analysis.RiskLevel("critical"), an.OverallRiskLevel)
	assert.Len(t, an.Recommendations, 2)
	assert.Contains(t, an.ExecutiveSummary, "cross-referencing was unavailable")

	assert.Equal(t, []string{"Is the basement door rated?"}, f.engine.messages)
	assert.False(t, f.engine.Connected())

	f.repo.mu.Lock()
	assert.Len(t, f.repo.created, 1)
	assert.Len(t, f.repo.findings[res.Session.ID], 2)
	require.NotEmpty(t, f.repo.updated)
	assert.Equal(t, domain.StatusCompleted, f.repo.updated[len(f.repo.updated)-1].Status)
	f.repo.mu.Unlock()

	keys := f.evidence.keys()
	prefix := "acme/inspections/" + string(res.Session.ID)
	assert.Contains(t, keys, prefix+"/snapshot.json")
	assert.Contains(t, keys, prefix+"/analysis.json")
	assert.Contains(t, keys, prefix+"/hazards/1.jpg")
	assert.Contains(t, keys, prefix+"/key-frames/001.jpg")
	assert.NotContains(t, string(f.evidence.objects[prefix+"/snapshot.json"]), "\"image\"")

	require.Len(t, f.analyses.records, 1)
	assert.Equal(t, analysis.OriginFallback, f.analyses.records[0].Origin)
	assert.Empty(t, res.Warnings)

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done not closed after End")
	}
}

func TestSession_EndTwiceFails(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	_, err := sess.End(context.Background())
	require.NoError(t, err)
	_, err = sess.End(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
	_, err = sess.Cancel(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestSession_CancelKeepsEvidence(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	f.engine.obs.OnHazard(domain.HazardReport{Title: "Loose handrail", Description: "Moves under load"})
	res, err := sess.Cancel(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, res.Session.Status)
	require.Len(t, res.Snapshot.Hazards, 1)
	h := res.Snapshot.Hazards[0]
	assert.Equal(t, domain.CategorySafety, h.Category)
	assert.Equal(t, domain.SeverityMedium, h.Severity)
	assert.InDelta(t, 0.8, h.Confidence, 1e-9)
	assert.Equal(t, analysis.RiskLevel("medium"), res.Analysis.OverallRiskLevel)
	assert.Contains(t, f.evidence.keys(), "acme/inspections/"+string(res.Session.ID)+"/snapshot.json")
}

func TestSession_EventsAfterEndIgnored(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)
	obs := f.engine.obs

	res, err := sess.End(context.Background())
	require.NoError(t, err)

	obs.OnHazard(domain.HazardReport{Title: "late", Description: "late"})
	obs.OnNarration("late narration")
	assert.Empty(t, res.Snapshot.Hazards)
	assert.Zero(t, sess.Summary().TotalHazards)

	assert.ErrorIs(t, sess.Ask(context.Background(), "anything?"), domain.ErrSessionEnded)
	assert.ErrorIs(t, sess.PushFrame(ai.Frame{Data: []byte{1}}), domain.ErrSessionEnded)
}

func TestSession_ConfirmUnknownHazard(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)
	t.Cleanup(func() { _, _ = sess.Cancel(context.Background()) })

	// no hazards yet: the most-recent variant is a silent no-op
	require.NoError(t, sess.Confirm(nil, "nothing to confirm"))

	id := domain.HazardID(42)
	assert.ErrorIs(t, sess.Confirm(&id, "x"), ErrHazardNotFound)
	assert.ErrorIs(t, sess.FollowUp(&id, "q", "a"), ErrHazardNotFound)

	f.engine.obs.OnHazard(domain.HazardReport{Title: "Wet floor", Description: "Spill near entry"})
	first := domain.HazardID(1)
	require.NoError(t, sess.FollowUp(&first, "Is there signage?", "No"))
	hz := sess.Hazards()
	require.Len(t, hz, 1)
	require.Len(t, hz[0].FollowUps, 1)
	assert.Equal(t, "No", hz[0].FollowUps[0].Answer)
}

func TestSession_KeyFrameNeedsFrame(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)
	t.Cleanup(func() { _, _ = sess.Cancel(context.Background()) })

	_, err := sess.SaveKeyFrame("overview")
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestService_StartValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(context.Background(), StartCommand{SiteName: "  "})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = f.svc.Start(context.Background(), StartCommand{SiteName: "Depot", Engine: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownEngine)
}

func TestService_ConnectFailureCancelsRecord(t *testing.T) {
	f := newFixture(t)
	f.engine.connectErr = ai.ErrHandshakeTimeout

	_, err := f.svc.Start(context.Background(), StartCommand{TenantID: "acme", SiteName: "Depot"})
	require.ErrorIs(t, err, ai.ErrHandshakeTimeout)

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	require.Len(t, f.repo.updated, 1)
	assert.Equal(t, domain.StatusCancelled, f.repo.updated[0].Status)
}

func TestService_GetAndShutdown(t *testing.T) {
	f := newFixture(t)
	sess := f.start(t)

	got, err := f.svc.Get("acme", sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = f.svc.Get("other", sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.svc.Active())

	f.svc.Shutdown(context.Background())
	res, ok := sess.Result()
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, res.Session.Status)
	assert.True(t, res.Analysis.IsFallback())
	assert.Equal(t, 0, f.svc.Active())

	f.svc.Forget("acme", sess.ID())
	_, err = f.svc.Get("acme", sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}
