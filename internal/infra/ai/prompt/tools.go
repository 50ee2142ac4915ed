package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// ReportFindingTool is the function name the vision model calls to flag a hazard.
const ReportFindingTool = "report_finding"

const reportFindingDescription = "Report a hazard visible in the current camera frame. Call once per distinct hazard."

// ReportFindingDescription is shared by both vision transports.
func ReportFindingDescription() string { return reportFindingDescription }

// ReportFindingParameters returns the JSON schema of the report_finding tool.
func ReportFindingParameters() jsonschema.Definition {
	cats := make([]string, 0, len(inspection.Categories))
	for _, c := range inspection.Categories {
		cats = append(cats, string(c))
	}
	sevs := make([]string, 0, len(inspection.Severities))
	for _, s := range inspection.Severities {
		sevs = append(sevs, string(s))
	}
	return jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"category": {
				Type:        jsonschema.String,
				Enum:        cats,
				Description: "Hazard category",
			},
			"severity": {
				Type:        jsonschema.String,
				Enum:        sevs,
				Description: "How urgently the hazard must be addressed",
			},
			"title": {
				Type:        jsonschema.String,
				Description: "Short title, e.g. 'Blocked fire exit'",
			},
			"description": {
				Type:        jsonschema.String,
				Description: "What is visible and why it is a hazard",
			},
			"location_hint": {
				Type:        jsonschema.String,
				Description: "Where on site the hazard is, if recognisable",
			},
		},
		Required: []string{"category", "severity", "title", "description"},
	}
}

type reportFindingArgs struct {
	Category     string `json:"category"`
	Severity     string `json:"severity"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	LocationHint string `json:"location_hint"`
}

// ParseReportFinding decodes tool-call arguments into a HazardReport.
// Missing required fields are an error; unknown enum values are left empty
// so the Collector applies its defaults.
func ParseReportFinding(raw json.RawMessage) (inspection.HazardReport, error) {
	var a reportFindingArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return inspection.HazardReport{}, fmt.Errorf("decode %s args: %w", ReportFindingTool, err)
	}
	var missing []string
	if strings.TrimSpace(a.Category) == "" {
		missing = append(missing, "category")
	}
	if strings.TrimSpace(a.Severity) == "" {
		missing = append(missing, "severity")
	}
	if strings.TrimSpace(a.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(a.Description) == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return inspection.HazardReport{}, fmt.Errorf("%s missing required fields: %s", ReportFindingTool, strings.Join(missing, ", "))
	}

	r := inspection.HazardReport{
		Title:        a.Title,
		Description:  a.Description,
		LocationHint: a.LocationHint,
	}
	if c, ok := inspection.ParseCategory(a.Category); ok {
		r.Category = c
	}
	if s, ok := inspection.ParseSeverity(a.Severity); ok {
		r.Severity = s
	}
	return r, nil
}
