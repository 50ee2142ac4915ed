package middleware

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-inspect/internal/domain/inspection"
)

// Input validation and sanitization utilities

var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const (
	maxSiteField = 255
	maxFreeText  = 4000
)

// ValidateTenantID validates tenant ID format
func ValidateTenantID(tenant string) error {
	if tenant == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}
	// alphanumeric, dash, underscore (max 64 chars)
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("invalid tenant ID format (alphanumeric, dash, underscore only, max 64 chars)")
	}
	return nil
}

// ValidateSessionID: session ids are UUIDs
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid session ID format")
	}
	return nil
}

// ValidateSiteName checks the operator-entered site name and address
func ValidateSiteName(name, address string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("site_name is required")
	}
	if utf8.RuneCountInString(name) > maxSiteField || utf8.RuneCountInString(address) > maxSiteField {
		return fmt.Errorf("site fields are limited to %d characters", maxSiteField)
	}
	return nil
}

// ValidateEngine checks an optional engine override
func ValidateEngine(mode string) error {
	switch mode {
	case "", "streaming", "polling":
		return nil
	}
	return fmt.Errorf("invalid engine: %s (allowed: streaming, polling)", mode)
}

// ValidateText bounds free-text operator input (questions, confirmations)
func ValidateText(field, text string, required bool) error {
	if required && strings.TrimSpace(text) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if utf8.RuneCountInString(text) > maxFreeText {
		return fmt.Errorf("%s is limited to %d characters", field, maxFreeText)
	}
	return nil
}

// ParseHazardID accepts an optional positive hazard id; nil means "most recent".
func ParseHazardID(v *int) (*inspection.HazardID, error) {
	if v == nil {
		return nil, nil
	}
	if *v < 1 {
		return nil, fmt.Errorf("hazard_id must be positive")
	}
	id := inspection.HazardID(*v)
	return &id, nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ParsePage reads a page query value, defaulting to 1
func ParsePage(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
