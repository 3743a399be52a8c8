package domain

import "strings"

// Severity is the display bucket derived from the model's severity segment.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnalysisResult is the decomposed model response for one analysis.
// Raw is kept verbatim; it grounds follow-up chat and feeds the history summary.
type AnalysisResult struct {
	Raw       string
	Title     string
	Findings  string
	Risk      string
	Severity  string
	Actions   string
	Malformed bool
}

// Bucket classifies the severity text into low, medium or high.
// The highest matched keyword wins; anything unrecognised is low.
func (r AnalysisResult) Bucket() Severity {
	return ClassifySeverity(r.Severity)
}

// ClassifySeverity maps free text to a Severity bucket by case-insensitive
// keyword match. "high" beats "medium" regardless of order in the text.
func ClassifySeverity(s string) Severity {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "high"):
		return SeverityHigh
	case strings.Contains(s, "medium"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Image is an uploaded scan held in memory for the lifetime of an analysis.
type Image struct {
	Name   string
	MIME   string
	Data   []byte
	Width  int
	Height int
}
