package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// severity weights for the fallback risk score
var severityWeight = map[inspection.Severity]int{
	inspection.SeverityCritical: 25,
	inspection.SeverityHigh:     15,
	inspection.SeverityMedium:   8,
	inspection.SeverityLow:      3,
}

var severityTimeline = map[inspection.Severity]string{
	inspection.SeverityCritical: "Immediately (within 24 hours)",
	inspection.SeverityHigh:     "Within 7 days",
	inspection.SeverityMedium:   "Within 30 days",
	inspection.SeverityLow:      "Within 90 days",
}

// Timeline returns the generic remediation window for a severity.
func Timeline(s inspection.Severity) string {
	if t, ok := severityTimeline[s]; ok {
		return t
	}
	return severityTimeline[inspection.SeverityLow]
}

// RiskFromSeverity maps the highest hazard severity onto a risk level.
func RiskFromSeverity(s inspection.Severity) RiskLevel {
	switch s {
	case inspection.SeverityCritical:
		return RiskCritical
	case inspection.SeverityHigh:
		return RiskHigh
	case inspection.SeverityMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskScore is the weighted severity count capped at 100.
func RiskScore(sum inspection.Summary) int {
	score := sum.CriticalCount*severityWeight[inspection.SeverityCritical] +
		sum.HighCount*severityWeight[inspection.SeverityHigh] +
		sum.MediumCount*severityWeight[inspection.SeverityMedium] +
		sum.LowCount*severityWeight[inspection.SeverityLow]
	if score > 100 {
		score = 100
	}
	return score
}

// Fallback synthesises an analysis from the snapshot alone. It is
// deterministic for a given snapshot and now.
func Fallback(snap *inspection.Snapshot, now time.Time) *ComplianceAnalysis {
	risk := RiskFromSeverity(snap.HighestSeverity())

	// most severe first, then in tagging order
	ordered := make([]inspection.TaggedHazard, len(snap.Hazards))
	copy(ordered, snap.Hazards)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Severity.Rank() > ordered[j].Severity.Rank()
	})

	findings := make([]FindingAnalysis, 0, len(ordered))
	recs := make([]Recommendation, 0, len(ordered))
	for i, h := range ordered {
		id := h.ID
		findings = append(findings, FindingAnalysis{
			HazardID: &id,
			Title:    h.Title,
			Severity: h.Severity,
			Analysis: fallbackFindingText(h),
		})
		recs = append(recs, Recommendation{
			Priority: i + 1,
			HazardID: &id,
			Action:   fallbackAction(h),
			Timeline: Timeline(h.Severity),
		})
	}

	return &ComplianceAnalysis{
		SessionID:            snap.Session.ID,
		Origin:               OriginFallback,
		OverallRiskLevel:     risk,
		RiskScore:            RiskScore(snap.Summary),
		ExecutiveSummary:     fallbackSummary(snap, risk),
		Findings:             findings,
		Recommendations:      recs,
		RegulatoryReferences: []RegulatoryReference{},
		NextSteps:            fallbackNextSteps(snap),
		LegalWarnings: []string{
			"This report was generated without automated compliance cross-referencing and does not constitute a legal compliance determination.",
		},
		GeneratedAt: now,
	}
}

func fallbackFindingText(h inspection.TaggedHazard) string {
	var b strings.Builder
	b.WriteString(h.Description)
	if h.LocationHint != "" {
		fmt.Fprintf(&b, " Location: %s.", h.LocationHint)
	}
	if h.Confirmation != "" {
		fmt.Fprintf(&b, " Inspector confirmation: %s.", h.Confirmation)
	}
	return strings.TrimSpace(b.String())
}

func fallbackAction(h inspection.TaggedHazard) string {
	title := h.Title
	if title == "" {
		title = "reported " + string(h.Category) + " hazard"
	}
	return fmt.Sprintf("Address %s (%s severity)", title, h.Severity)
}

func fallbackSummary(snap *inspection.Snapshot, risk RiskLevel) string {
	site := snap.Session.SiteName
	if site == "" {
		site = "the site"
	}
	s := snap.Summary
	return fmt.Sprintf(
		"Inspection of %s identified %d hazard(s): %d critical, %d high, %d medium, %d low. Overall risk is %s. Automated compliance cross-referencing was unavailable; findings are listed as observed and should be reviewed against applicable regulations by a qualified inspector.",
		site, s.TotalHazards, s.CriticalCount, s.HighCount, s.MediumCount, s.LowCount, risk,
	)
}

func fallbackNextSteps(snap *inspection.Snapshot) []string {
	steps := make([]string, 0, 3)
	if snap.Summary.CriticalCount > 0 {
		steps = append(steps, "Restrict access to areas with critical hazards until they are remediated.")
	}
	if snap.Summary.TotalHazards > 0 {
		steps = append(steps, "Assign an owner and due date to each recommendation.")
	}
	steps = append(steps, "Have a qualified inspector review this report against applicable codes.")
	return steps
}
