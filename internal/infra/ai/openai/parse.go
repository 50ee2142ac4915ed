package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/analysis"
	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// response mirrors the schema in prompt.GetSystemPrompt.
type response struct {
	OverallRiskLevel string `json:"overall_risk_level"`
	RiskScore        *int   `json:"risk_score"`
	ExecutiveSummary string `json:"executive_summary"`
	Findings         []struct {
		HazardID             *int     `json:"hazard_id"`
		Title                string   `json:"title"`
		Severity             string   `json:"severity"`
		Analysis             string   `json:"analysis"`
		RegulatoryReferences []string `json:"regulatory_references"`
		Recommendation       string   `json:"recommendation"`
	} `json:"findings"`
	Recommendations []struct {
		Priority int    `json:"priority"`
		HazardID *int   `json:"hazard_id"`
		Action   string `json:"action"`
		Timeline string `json:"timeline"`
	} `json:"recommendations"`
	RegulatoryReferences []analysis.RegulatoryReference `json:"regulatory_references"`
	NextSteps            []string                       `json:"next_steps"`
	LegalWarnings        []string                       `json:"legal_warnings"`
}

// stripFences removes a Markdown code block around the payload, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// ParseAnalysis decodes and validates the reasoning backend's JSON and aligns
// its findings with the snapshot's hazards.
func ParseAnalysis(content string, snap *inspection.Snapshot) (*analysis.ComplianceAnalysis, error) {
	cleaned := stripFences(content)
	if cleaned == "" {
		return nil, errors.New("empty analysis response")
	}

	var r response
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	risk := analysis.RiskLevel(strings.ToLower(strings.TrimSpace(r.OverallRiskLevel)))
	if !risk.Valid() {
		return nil, fmt.Errorf("invalid overall_risk_level %q", r.OverallRiskLevel)
	}
	if r.RiskScore == nil {
		return nil, errors.New("missing risk_score")
	}
	if *r.RiskScore < 0 || *r.RiskScore > 100 {
		return nil, fmt.Errorf("risk_score %d out of range", *r.RiskScore)
	}

	out := &analysis.ComplianceAnalysis{
		SessionID:            snap.Session.ID,
		Origin:               analysis.OriginRemote,
		OverallRiskLevel:     risk,
		RiskScore:            *r.RiskScore,
		ExecutiveSummary:     r.ExecutiveSummary,
		Findings:             make([]analysis.FindingAnalysis, 0, len(r.Findings)),
		Recommendations:      make([]analysis.Recommendation, 0, len(r.Recommendations)),
		RegulatoryReferences: r.RegulatoryReferences,
		NextSteps:            r.NextSteps,
		LegalWarnings:        r.LegalWarnings,
	}
	if out.RegulatoryReferences == nil {
		out.RegulatoryReferences = []analysis.RegulatoryReference{}
	}

	for _, f := range r.Findings {
		hid := align(snap, f.HazardID)
		sev, ok := inspection.ParseSeverity(f.Severity)
		if !ok && hid != nil {
			if h, found := snap.Hazard(*hid); found {
				sev = h.Severity
			}
		}
		out.Findings = append(out.Findings, analysis.FindingAnalysis{
			HazardID:             hid,
			Title:                f.Title,
			Severity:             sev,
			Analysis:             f.Analysis,
			RegulatoryReferences: f.RegulatoryReferences,
			Recommendation:       f.Recommendation,
		})
	}
	for _, rec := range r.Recommendations {
		out.Recommendations = append(out.Recommendations, analysis.Recommendation{
			Priority: rec.Priority,
			HazardID: align(snap, rec.HazardID),
			Action:   rec.Action,
			Timeline: rec.Timeline,
		})
	}
	return out, nil
}

// align returns the hazard id only if the snapshot contains it.
func align(snap *inspection.Snapshot, raw *int) *inspection.HazardID {
	if raw == nil {
		return nil
	}
	id := inspection.HazardID(*raw)
	if _, ok := snap.Hazard(id); !ok {
		return nil
	}
	return &id
}
