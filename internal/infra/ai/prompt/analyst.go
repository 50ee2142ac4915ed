package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// GetSystemPrompt provides strict directions and schema for the compliance JSON output.
func GetSystemPrompt() string {
	return `You are a senior building compliance inspector. You receive the evidence collected during a walk-through inspection: hazards tagged by a real-time vision assistant, the inspector's confirmations and follow-up answers, and the full transcript. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Use lowercase severity and risk values: critical, high, medium, low.
- overall_risk_level must be at least as severe as the most severe finding.
- risk_score is an integer from 0 (no risk) to 100 (extreme risk).
- findings has one entry per tagged hazard; hazard_id must be the id given in the evidence. Use null only if a finding does not correspond to any tagged hazard.
- Cite regulations by code (for example "OSHA 29 CFR 1910.37") only when you are confident they apply.
- recommendations are ordered by priority, 1 being the most urgent.

Schema (example with empty values):
{
  "overall_risk_level": "<critical|high|medium|low>",
  "risk_score": 0,
  "executive_summary": "<string>",
  "findings": [
    {
      "hazard_id": 1,
      "title": "<string>",
      "severity": "<critical|high|medium|low>",
      "analysis": "<string>",
      "regulatory_references": ["<string>"],
      "recommendation": "<string>"
    }
  ],
  "recommendations": [
    {"priority": 1, "hazard_id": 1, "action": "<string>", "timeline": "<string>"}
  ],
  "regulatory_references": [
    {"code": "<string>", "title": "<string>", "description": "<string>"}
  ],
  "next_steps": ["<string>"],
  "legal_warnings": ["<string>"]
}`
}

// GetUserPrompt embeds the whole evidence bundle as structured text.
func GetUserPrompt(snap *inspection.Snapshot) string {
	var b strings.Builder

	s := snap.Session
	fmt.Fprintf(&b, "INSPECTION\n")
	fmt.Fprintf(&b, "Site: %s\n", dashIfEmpty(s.SiteName))
	fmt.Fprintf(&b, "Address: %s\n", dashIfEmpty(s.SiteAddress))
	fmt.Fprintf(&b, "Started: %s\n", snap.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", snap.Duration.Round(time.Second))
	if len(snap.Summary.AreasInspected) > 0 {
		fmt.Fprintf(&b, "Areas inspected: %s\n", strings.Join(snap.Summary.AreasInspected, ", "))
	}

	sum := snap.Summary
	fmt.Fprintf(&b, "\nSUMMARY\nTotal hazards: %d (critical %d, high %d, medium %d, low %d)\n",
		sum.TotalHazards, sum.CriticalCount, sum.HighCount, sum.MediumCount, sum.LowCount)

	fmt.Fprintf(&b, "\nTAGGED HAZARDS\n")
	if len(snap.Hazards) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range snap.Hazards {
		fmt.Fprintf(&b, "\n[hazard_id %d] %s\n", h.ID, dashIfEmpty(h.Title))
		fmt.Fprintf(&b, "  category: %s, severity: %s, confidence: %.2f, at +%ds\n", h.Category, h.Severity, h.Confidence, h.ElapsedSeconds)
		fmt.Fprintf(&b, "  description: %s\n", dashIfEmpty(h.Description))
		if h.LocationHint != "" {
			fmt.Fprintf(&b, "  location: %s\n", h.LocationHint)
		}
		if h.Observation != "" {
			fmt.Fprintf(&b, "  assistant observation: %s\n", h.Observation)
		}
		if h.Confirmation != "" {
			fmt.Fprintf(&b, "  inspector confirmation: %s\n", h.Confirmation)
		}
		for _, f := range h.FollowUps {
			fmt.Fprintf(&b, "  follow-up Q: %s\n", f.Question)
			if f.Answer != "" {
				fmt.Fprintf(&b, "  follow-up A: %s\n", f.Answer)
			}
		}
	}

	fmt.Fprintf(&b, "\nTRANSCRIPT\n")
	if len(snap.Transcript) == 0 {
		b.WriteString("(empty)\n")
	}
	for _, t := range snap.Transcript {
		fmt.Fprintf(&b, "[+%ds] %s: %s\n", int(t.At.Sub(snap.StartTime)/time.Second), t.Speaker, t.Text)
	}

	b.WriteString("\nRespond with the JSON object per schema.")
	return b.String()
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
