package analysis

import (
	"strings"

	"github.com/ashureev/medivio/internal/domain"
	"github.com/ashureev/medivio/internal/prompt"
)

// Fallback values used when the model ignores the output format.
const (
	FallbackTitle = "Analysis"
	FallbackRisk  = "Unknown"
)

const segmentCount = 5

// Parse splits a raw model response into its five sections. It is total:
// any input that does not have exactly five sections yields a Malformed
// result carrying the raw text as findings.
func Parse(raw string) domain.AnalysisResult {
	parts := strings.Split(raw, prompt.Delimiter)
	if len(parts) != segmentCount {
		return domain.AnalysisResult{
			Raw:       raw,
			Title:     FallbackTitle,
			Findings:  strings.TrimSpace(raw),
			Risk:      FallbackRisk,
			Severity:  FallbackRisk,
			Malformed: true,
		}
	}

	return domain.AnalysisResult{
		Raw:      raw,
		Title:    strings.TrimSpace(parts[0]),
		Findings: strings.TrimSpace(parts[1]),
		Risk:     strings.TrimSpace(parts[2]),
		Severity: strings.TrimSpace(parts[3]),
		Actions:  strings.TrimSpace(parts[4]),
	}
}

// cleanTitle drops section labels and bold markers the model sometimes
// echoes back from the instructions. Only the stored history type is
// cleaned; the result card shows the title as returned.
func cleanTitle(s string) string {
	s = strings.ReplaceAll(s, "Part 1:", "")
	s = strings.ReplaceAll(s, "**", "")
	return strings.TrimSpace(s)
}

// HistoryFields returns the type and risk level recorded for a result.
func HistoryFields(r domain.AnalysisResult) (kind, risk string) {
	if r.Malformed {
		return FallbackTitle, FallbackRisk
	}
	return cleanTitle(r.Title), r.Severity
}
