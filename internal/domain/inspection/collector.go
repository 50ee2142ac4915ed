package inspection

import (
	"regexp"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/application"
)

const (
	DefaultCategory   = CategorySafety
	DefaultSeverity   = SeverityMedium
	DefaultConfidence = 0.8
)

// areaVocabulary is the fixed list of site areas recognised in transcript text.
var areaVocabulary = []string{
	"entrance", "lobby", "reception", "hallway", "corridor", "stairwell", "stairs",
	"elevator", "kitchen", "break room", "bathroom", "restroom", "office",
	"conference room", "storage room", "warehouse", "loading dock", "parking",
	"garage", "basement", "roof", "attic", "electrical room", "server room",
	"boiler room", "mechanical room", "laundry", "workshop", "yard", "exit",
	"fire exit", "emergency exit",
}

var areaPatterns = compileAreaPatterns(areaVocabulary)

type areaPattern struct {
	name string
	re   *regexp.Regexp
}

func compileAreaPatterns(words []string) []areaPattern {
	out := make([]areaPattern, 0, len(words))
	for _, w := range words {
		out = append(out, areaPattern{
			name: w,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
		})
	}
	return out
}

// Collector accumulates the evidence of one inspection session.
//
// It performs no I/O and is not safe for concurrent use: callers deliver
// engine events on a single timeline.
type Collector struct {
	session    Session
	clock      application.Clock
	nextID     HazardID
	hazards    []TaggedHazard
	transcript []TranscriptEntry
	keyFrames  []KeyFrame
	areas      []string
	areaSeen   map[string]bool
}

// NewCollector starts collecting for session. A nil clock uses time.Now.
func NewCollector(session Session, clock application.Clock) *Collector {
	if clock == nil {
		clock = application.SystemClock{}
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = clock.Now()
	}
	if session.Status == "" {
		session.Status = StatusActive
	}
	return &Collector{
		session:  session,
		clock:    clock,
		nextID:   1,
		areaSeen: make(map[string]bool),
	}
}

// Session returns a copy of the session header.
func (c *Collector) Session() Session { return c.session }

// SetSession replaces the session header, e.g. after it was completed.
func (c *Collector) SetSession(s Session) { c.session = s }

func (c *Collector) elapsedSeconds(now time.Time) int {
	d := now.Sub(c.session.StartedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// TagHazard records a new hazard and returns a copy of the created record.
func (c *Collector) TagHazard(r HazardReport, observation string, image []byte) TaggedHazard {
	now := c.clock.Now()

	cat := r.Category
	if !cat.Valid() {
		cat = DefaultCategory
	}
	sev := r.Severity
	if !sev.Valid() {
		sev = DefaultSeverity
	}
	conf := DefaultConfidence
	if r.Confidence != nil {
		conf = clamp01(*r.Confidence)
	}

	h := TaggedHazard{
		ID:             c.nextID,
		CapturedAt:     now,
		ElapsedSeconds: c.elapsedSeconds(now),
		Category:       cat,
		Severity:       sev,
		Title:          strings.TrimSpace(r.Title),
		Description:    strings.TrimSpace(r.Description),
		LocationHint:   strings.TrimSpace(r.LocationHint),
		Observation:    observation,
		Image:          cloneBytes(image),
		Confidence:     conf,
	}
	c.nextID++
	c.hazards = append(c.hazards, h)
	return copyHazard(h)
}

// AddConfirmation attaches operator confirmation text to the most recently
// tagged hazard. No-op when nothing was tagged yet.
func (c *Collector) AddConfirmation(text string) {
	if len(c.hazards) == 0 {
		return
	}
	c.hazards[len(c.hazards)-1].Confirmation = text
}

// AddFollowUp appends a question/answer pair to the most recently tagged
// hazard. No-op when nothing was tagged yet.
func (c *Collector) AddFollowUp(question, answer string) {
	if len(c.hazards) == 0 {
		return
	}
	last := &c.hazards[len(c.hazards)-1]
	last.FollowUps = append(last.FollowUps, FollowUp{Question: question, Answer: answer})
}

// ConfirmHazard targets an explicit hazard instead of the latest one.
func (c *Collector) ConfirmHazard(id HazardID, text string) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	h.Confirmation = text
	return true
}

// FollowUpHazard appends a follow-up pair to an explicit hazard.
func (c *Collector) FollowUpHazard(id HazardID, question, answer string) bool {
	h := c.find(id)
	if h == nil {
		return false
	}
	h.FollowUps = append(h.FollowUps, FollowUp{Question: question, Answer: answer})
	return true
}

func (c *Collector) find(id HazardID) *TaggedHazard {
	for i := range c.hazards {
		if c.hazards[i].ID == id {
			return &c.hazards[i]
		}
	}
	return nil
}

// AddTranscript appends a transcript line and records any site areas it mentions.
func (c *Collector) AddTranscript(speaker Speaker, text string) {
	c.transcript = append(c.transcript, TranscriptEntry{
		At:      c.clock.Now(),
		Speaker: speaker,
		Text:    text,
	})
	for _, p := range areaPatterns {
		if c.areaSeen[p.name] {
			continue
		}
		if p.re.MatchString(text) {
			c.areaSeen[p.name] = true
			c.areas = append(c.areas, p.name)
		}
	}
}

// SaveKeyFrame stores an illustration frame for the report.
func (c *Collector) SaveKeyFrame(image []byte, description string) KeyFrame {
	now := c.clock.Now()
	kf := KeyFrame{
		At:             now,
		ElapsedSeconds: c.elapsedSeconds(now),
		Image:          cloneBytes(image),
		Description:    description,
	}
	c.keyFrames = append(c.keyFrames, kf)
	return kf
}

// Len returns the number of tagged hazards.
func (c *Collector) Len() int { return len(c.hazards) }

// Hazards returns copies of the tagged hazards in creation order.
func (c *Collector) Hazards() []TaggedHazard {
	out := make([]TaggedHazard, len(c.hazards))
	for i, h := range c.hazards {
		out[i] = copyHazard(h)
	}
	return out
}

// Summary derives the running statistics from the current hazard list.
func (c *Collector) Summary() Summary {
	return summarize(c.hazards, c.areas)
}

// Snapshot builds the immutable hand-off bundle with EndTime set to now.
// Every call produces a fresh value; callers snapshot once at session end.
func (c *Collector) Snapshot() Snapshot {
	end := c.clock.Now()
	dur := end.Sub(c.session.StartedAt)
	if dur < 0 {
		dur = 0
	}

	transcript := make([]TranscriptEntry, len(c.transcript))
	copy(transcript, c.transcript)

	frames := make([]KeyFrame, len(c.keyFrames))
	for i, kf := range c.keyFrames {
		kf.Image = cloneBytes(kf.Image)
		frames[i] = kf
	}

	sess := c.session
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		sess.EndedAt = &t
	}

	return Snapshot{
		Session:    sess,
		StartTime:  c.session.StartedAt,
		EndTime:    end,
		Duration:   dur,
		Hazards:    c.Hazards(),
		Transcript: transcript,
		KeyFrames:  frames,
		Summary:    summarize(c.hazards, c.areas),
	}
}

func summarize(hazards []TaggedHazard, areas []string) Summary {
	s := Summary{
		TotalHazards:   len(hazards),
		ByCategory:     make(map[Category]int),
		AreasInspected: append([]string{}, areas...),
	}
	for _, h := range hazards {
		switch h.Severity {
		case SeverityCritical:
			s.CriticalCount++
		case SeverityHigh:
			s.HighCount++
		case SeverityMedium:
			s.MediumCount++
		case SeverityLow:
			s.LowCount++
		}
		s.ByCategory[h.Category]++
	}
	return s
}

func copyHazard(h TaggedHazard) TaggedHazard {
	if h.FollowUps != nil {
		h.FollowUps = append([]FollowUp(nil), h.FollowUps...)
	}
	h.Image = cloneBytes(h.Image)
	return h
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
