package inspection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
)

type stepClock struct {
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

var _ application.Clock = (*stepClock)(nil)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestCollector() *Collector {
	return NewCollector(Session{ID: "s-1", TenantID: "acme", SiteName: "Depot", StartedAt: t0}, &stepClock{t: t0.Add(10 * time.Second), step: 5 * time.Second})
}

func TestTagHazard_Defaults(t *testing.T) {
	c := newTestCollector()
	h := c.TagHazard(HazardReport{Title: "Trip hazard", Description: "Cable across walkway"}, "", nil)

	assert.Equal(t, HazardID(1), h.ID)
	assert.Equal(t, CategorySafety, h.Category)
	assert.Equal(t, SeverityMedium, h.Severity)
	assert.InDelta(t, 0.8, h.Confidence, 1e-9)
	assert.Equal(t, 10, h.ElapsedSeconds)
}

func TestTagHazard_InvalidEnumsFallBackAndConfidenceClamped(t *testing.T) {
	c := newTestCollector()
	over := 1.7
	h := c.TagHazard(HazardReport{Category: "weather", Severity: "apocalyptic", Title: "x", Description: "y", Confidence: &over}, "obs", []byte{1})
	assert.Equal(t, CategorySafety, h.Category)
	assert.Equal(t, SeverityMedium, h.Severity)
	assert.Equal(t, 1.0, h.Confidence)
	assert.Equal(t, "obs", h.Observation)
}

func TestTagHazard_IDsMonotonic(t *testing.T) {
	c := newTestCollector()
	for i := 1; i <= 3; i++ {
		h := c.TagHazard(HazardReport{Title: "h", Description: "d"}, "", nil)
		assert.Equal(t, HazardID(i), h.ID)
	}
	assert.Equal(t, 3, c.Len())
}

func TestAddConfirmation_NoHazardIsNoOp(t *testing.T) {
	c := newTestCollector()
	c.AddConfirmation("confirmed")
	c.AddFollowUp("q", "a")

	snap := c.Snapshot()
	assert.Empty(t, snap.Hazards)
	assert.Equal(t, 0, snap.Summary.TotalHazards)
}

func TestAddConfirmation_TargetsMostRecent(t *testing.T) {
	c := newTestCollector()
	c.TagHazard(HazardReport{Title: "first", Description: "d"}, "", nil)
	c.TagHazard(HazardReport{Title: "second", Description: "d"}, "", nil)

	c.AddConfirmation("yes, second")
	c.AddFollowUp("how wide?", "two metres")
	c.AddFollowUp("signage?", "")

	hz := c.Hazards()
	assert.Empty(t, hz[0].Confirmation)
	assert.Equal(t, "yes, second", hz[1].Confirmation)
	assert.Equal(t, []FollowUp{{Question: "how wide?", Answer: "two metres"}, {Question: "signage?"}}, hz[1].FollowUps)

	assert.True(t, c.ConfirmHazard(1, "first confirmed"))
	assert.False(t, c.ConfirmHazard(9, "nope"))
	assert.Equal(t, "first confirmed", c.Hazards()[0].Confirmation)
}

func TestAddTranscript_DetectsAreasOnce(t *testing.T) {
	c := newTestCollector()
	c.AddTranscript(SpeakerEngine, "Now entering the Kitchen near the loading dock.")
	c.AddTranscript(SpeakerOperator, "Back to the kitchen, then the roof.")
	c.AddTranscript(SpeakerEngine, "Checking the rooftop unit.")

	snap := c.Snapshot()
	assert.Equal(t, []string{"kitchen", "loading dock", "roof"}, snap.Summary.AreasInspected)
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, SpeakerOperator, snap.Transcript[1].Speaker)
}

func TestSnapshot_IsIndependentCopy(t *testing.T) {
	c := newTestCollector()
	img := []byte{0xff, 0xd8}
	c.TagHazard(HazardReport{Title: "a", Description: "b"}, "", img)
	c.SaveKeyFrame([]byte{7}, "overview")

	snap := c.Snapshot()
	img[0] = 0
	snap.Hazards[0].Image[1] = 0
	snap.KeyFrames[0].Image[0] = 0

	again := c.Snapshot()
	assert.Equal(t, []byte{0xff, 0xd8}, again.Hazards[0].Image)
	assert.Equal(t, []byte{7}, again.KeyFrames[0].Image)

	c.AddConfirmation("later")
	assert.Empty(t, snap.Hazards[0].Confirmation, "earlier snapshot must not see later edits")
}

func TestSnapshot_SummaryRecomputed(t *testing.T) {
	c := newTestCollector()
	c.TagHazard(HazardReport{Severity: SeverityCritical, Category: CategorySafety, Title: "exit", Description: "blocked"}, "", nil)
	c.TagHazard(HazardReport{Severity: SeverityLow, Category: CategoryMaintenance, Title: "paint", Description: "peeling"}, "", nil)

	got := c.Snapshot().Summary
	want := Summary{
		TotalHazards:   2,
		CriticalCount:  1,
		LowCount:       1,
		ByCategory:     map[Category]int{CategorySafety: 1, CategoryMaintenance: 1},
		AreasInspected: []string{},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	c.TagHazard(HazardReport{Severity: SeverityHigh, Title: "rail", Description: "loose"}, "", nil)
	assert.Equal(t, 3, c.Snapshot().Summary.TotalHazards)
	assert.Equal(t, 1, c.Summary().HighCount)
}

func TestSnapshot_TimesAndHighestSeverity(t *testing.T) {
	c := newTestCollector()
	c.TagHazard(HazardReport{Severity: SeverityHigh, Title: "a", Description: "b"}, "", nil)
	snap := c.Snapshot()

	assert.Equal(t, t0, snap.StartTime)
	assert.Equal(t, t0.Add(15*time.Second), snap.EndTime)
	assert.Equal(t, 15*time.Second, snap.Duration)
	assert.Equal(t, SeverityHigh, snap.HighestSeverity())

	empty := newTestCollector().Snapshot()
	assert.Equal(t, Severity(""), empty.HighestSeverity())
}

func TestSession_EndOnlyOnce(t *testing.T) {
	s := Session{StartedAt: t0, Status: StatusActive}
	require.NoError(t, s.Complete(t0.Add(time.Minute)))
	assert.ErrorIs(t, s.Cancel(t0.Add(2*time.Minute)), ErrSessionEnded)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, time.Minute, s.Elapsed(t0.Add(time.Hour)))

	s.LinkReport("r-1")
	assert.Equal(t, "r-1", s.ReportID)
}

func TestParseSeverityAndCategory(t *testing.T) {
	sev, ok := ParseSeverity(" HIGH ")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)

	_, ok = ParseCategory("weather")
	assert.False(t, ok)
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
}

func TestNewCollector_NilClockUsesSystemClock(t *testing.T) {
	before := time.Now()
	c := NewCollector(Session{ID: "s-2", SiteName: "Depot"}, nil)
	after := time.Now()

	started := c.Session().StartedAt
	assert.False(t, started.Before(before))
	assert.False(t, started.After(after))
	assert.Equal(t, StatusActive, c.Session().Status)
}
