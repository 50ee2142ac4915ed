package analysis

import (
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// Origin tells whether an analysis came from the reasoning backend or was
// synthesised locally.
type Origin string

const (
	OriginRemote   Origin = "remote"
	OriginFallback Origin = "fallback"
)

// RiskLevel enum, same vocabulary as hazard severities
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskMedium   RiskLevel = "medium"
	RiskLow      RiskLevel = "low"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskCritical, RiskHigh, RiskMedium, RiskLow:
		return true
	}
	return false
}

// FindingAnalysis is the reasoning stage's view of one tagged hazard.
// HazardID is nil when the remote stage could not be aligned to a hazard.
type FindingAnalysis struct {
	HazardID             *inspection.HazardID `json:"hazard_id"`
	Title                string               `json:"title"`
	Severity             inspection.Severity  `json:"severity"`
	Analysis             string               `json:"analysis"`
	RegulatoryReferences []string             `json:"regulatory_references,omitempty"`
	Recommendation       string               `json:"recommendation,omitempty"`
}

type Recommendation struct {
	Priority int                  `json:"priority"`
	HazardID *inspection.HazardID `json:"hazard_id,omitempty"`
	Action   string               `json:"action"`
	Timeline string               `json:"timeline"`
}

type RegulatoryReference struct {
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ComplianceAnalysis is produced once per snapshot and never mutated.
type ComplianceAnalysis struct {
	SessionID            inspection.SessionID  `json:"session_id"`
	Origin               Origin                `json:"origin"`
	Model                string                `json:"model,omitempty"`
	OverallRiskLevel     RiskLevel             `json:"overall_risk_level"`
	RiskScore            int                   `json:"risk_score"`
	ExecutiveSummary     string                `json:"executive_summary"`
	Findings             []FindingAnalysis     `json:"findings"`
	Recommendations      []Recommendation      `json:"recommendations"`
	RegulatoryReferences []RegulatoryReference `json:"regulatory_references"`
	NextSteps            []string              `json:"next_steps"`
	LegalWarnings        []string              `json:"legal_warnings"`
	GeneratedAt          time.Time             `json:"generated_at"`
}

// IsFallback reports whether the analysis is the generic local variant.
func (a *ComplianceAnalysis) IsFallback() bool { return a.Origin == OriginFallback }

// RecordID identifier type
type RecordID string

// Record is a stored hand-off result, kept for auditing and retrieval.
type Record struct {
	ID        RecordID             `json:"id"`
	TenantID  string               `json:"tenant_id"`
	SessionID inspection.SessionID `json:"session_id"`
	Origin    Origin               `json:"origin"`
	RiskLevel RiskLevel            `json:"risk_level"`
	RiskScore int                  `json:"risk_score"`
	FileURL   string               `json:"file_url"`
	Result    string               `json:"result"` // ComplianceAnalysis JSON
	CreatedAt time.Time            `json:"created_at"`
}
