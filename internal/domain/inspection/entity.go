package inspection

import (
	"errors"
	"strings"
	"time"
)

// SessionID tipe untuk InspectionSession
type SessionID string

// HazardID is the per-session sequence number of a tagged hazard, starting at 1.
type HazardID int

// Status enum
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ErrSessionEnded is returned when a terminal session is ended a second time.
var ErrSessionEnded = errors.New("inspection session already ended")

// Category enum
type Category string

const (
	CategorySafety      Category = "safety"
	CategorySecurity    Category = "security"
	CategoryCompliance  Category = "compliance"
	CategoryMaintenance Category = "maintenance"
)

// Categories lists every category in report order.
var Categories = []Category{CategorySafety, CategorySecurity, CategoryCompliance, CategoryMaintenance}

func (c Category) Valid() bool {
	switch c {
	case CategorySafety, CategorySecurity, CategoryCompliance, CategoryMaintenance:
		return true
	}
	return false
}

// ParseCategory normalises s; ok is false when s is not a known category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Severity enum
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities: critical=4 ... low=1, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity normalises s; ok is false when s is not a known severity.
func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	return v, v.Valid()
}

// Speaker enum
type Speaker string

const (
	SpeakerEngine   Speaker = "engine"
	SpeakerOperator Speaker = "operator"
)

// Aggregate Root: Session
type Session struct {
	ID          SessionID  `json:"id"`
	TenantID    string     `json:"tenant_id"`
	SiteName    string     `json:"site_name"`
	SiteAddress string     `json:"site_address,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Status      Status     `json:"status"`
	ReportID    string     `json:"report_id,omitempty"`
}

// Ended reports whether the session reached a terminal status.
func (s *Session) Ended() bool { return s.EndedAt != nil }

// Elapsed is the running duration at now, frozen once the session ended.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.EndedAt != nil {
		now = *s.EndedAt
	}
	if now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

func (s *Session) Complete(now time.Time) error { return s.end(now, StatusCompleted) }

func (s *Session) Cancel(now time.Time) error { return s.end(now, StatusCancelled) }

func (s *Session) end(now time.Time, st Status) error {
	if s.Ended() {
		return ErrSessionEnded
	}
	t := now
	s.EndedAt = &t
	s.Status = st
	return nil
}

// LinkReport is the only mutation allowed after the session ended.
func (s *Session) LinkReport(reportID string) { s.ReportID = reportID }

// HazardReport is what an analysis engine emits for a report_finding call.
// Zero-valued fields are filled with defaults by the Collector.
type HazardReport struct {
	Category     Category `json:"category,omitempty"`
	Severity     Severity `json:"severity,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	LocationHint string   `json:"location_hint,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// FollowUp is a question/answer pair appended to a hazard.
type FollowUp struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

type TaggedHazard struct {
	ID             HazardID   `json:"id"`
	CapturedAt     time.Time  `json:"captured_at"`
	ElapsedSeconds int        `json:"elapsed_seconds"`
	Category       Category   `json:"category"`
	Severity       Severity   `json:"severity"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	LocationHint   string     `json:"location_hint,omitempty"`
	Observation    string     `json:"observation,omitempty"`
	Confirmation   string     `json:"confirmation,omitempty"`
	FollowUps      []FollowUp `json:"follow_ups,omitempty"`
	Image          []byte     `json:"image,omitempty"`
	Confidence     float64    `json:"confidence"`
}

type TranscriptEntry struct {
	At      time.Time `json:"at"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
}

type KeyFrame struct {
	At             time.Time `json:"at"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Image          []byte    `json:"image"`
	Description    string    `json:"description"`
}

// Summary value object, always derived from the hazard list
type Summary struct {
	TotalHazards   int              `json:"total_hazards"`
	CriticalCount  int              `json:"critical_count"`
	HighCount      int              `json:"high_count"`
	MediumCount    int              `json:"medium_count"`
	LowCount       int              `json:"low_count"`
	ByCategory     map[Category]int `json:"by_category"`
	AreasInspected []string         `json:"areas_inspected"`
}

// Count returns the number of hazards with severity s.
func (m Summary) Count(s Severity) int {
	switch s {
	case SeverityCritical:
		return m.CriticalCount
	case SeverityHigh:
		return m.HighCount
	case SeverityMedium:
		return m.MediumCount
	case SeverityLow:
		return m.LowCount
	}
	return 0
}

// Snapshot is the hand-off bundle. It shares no memory with the Collector.
type Snapshot struct {
	Session    Session           `json:"session"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Duration   time.Duration     `json:"duration"`
	Hazards    []TaggedHazard    `json:"hazards"`
	Transcript []TranscriptEntry `json:"transcript"`
	KeyFrames  []KeyFrame        `json:"key_frames"`
	Summary    Summary           `json:"summary"`
}

// Hazard looks up a hazard by id.
func (s *Snapshot) Hazard(id HazardID) (TaggedHazard, bool) {
	for _, h := range s.Hazards {
		if h.ID == id {
			return h, true
		}
	}
	return TaggedHazard{}, false
}

// HighestSeverity returns the most severe hazard severity, or "" when empty.
func (s *Snapshot) HighestSeverity() Severity {
	var top Severity
	for _, h := range s.Hazards {
		if h.Severity.Rank() > top.Rank() {
			top = h.Severity
		}
	}
	return top
}
