package models

import "strings"

// Severity is the backend severity label. Values outside the known tiers are
// kept as-is and treated as unclassified.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// NormalizeSeverity upper-cases and trims a raw label.
func NormalizeSeverity(raw string) Severity {
	return Severity(strings.ToUpper(strings.TrimSpace(raw)))
}

// Known reports whether s is one of the four tiers.
func (s Severity) Known() bool {
	return s.Rank() > 0
}

// Rank orders tiers by priority; unclassified values rank 0.
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
	default:
		return 0
	}
}

func (s Severity) String() string {
	return string(s)
}
