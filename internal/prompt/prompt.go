// Package prompt builds the instruction text sent to the model.
package prompt

import (
	"fmt"
	"strings"
)

// Delimiter separates the five sections of an analysis response.
const Delimiter = "|||"

// Mode selects the persona the model answers as.
type Mode string

// Analysis modes.
const (
	ModeDefault     Mode = ""
	ModeRadiologist Mode = "Radiologist Expert"
	ModeSimple      Mode = "Simple Explanation"
)

// Modes lists the selectable analysis modes in display order.
func Modes() []Mode {
	return []Mode{ModeRadiologist, ModeSimple}
}

// ParseMode maps a form value to a Mode. Unknown values become ModeDefault.
func ParseMode(s string) Mode {
	switch Mode(strings.TrimSpace(s)) {
	case ModeRadiologist:
		return ModeRadiologist
	case ModeSimple:
		return ModeSimple
	default:
		return ModeDefault
	}
}

func (m Mode) persona() string {
	switch m {
	case ModeRadiologist:
		return "a senior radiologist. Use precise clinical terminology."
	case ModeSimple:
		return "a compassionate doctor talking to a patient. Explain with simple analogies."
	default:
		return "a helpful medical assistant."
	}
}

// Analyze returns the ordered instruction segments for an analysis request.
// When hasImages is false the wording refers only to the supplied text.
func Analyze(mode Mode, context string, hasImages bool) []string {
	var subject string
	if hasImages {
		subject = fmt.Sprintf("Analyze the attached medical images together with this patient context: '%s'.", context)
	} else {
		subject = fmt.Sprintf("Analyze these patient symptoms or clinical notes: '%s'.", context)
	}

	return []string{
		"You are Medivio, " + mode.persona(),
		subject,
		fmt.Sprintf("Format your answer as exactly 5 sections separated by '%s', in this order:", Delimiter),
		"1. A short descriptive title of at most 4 words, such as 'Chest X-Ray Normal' or 'Flu Symptoms'.",
		"2. Clinical findings: what is seen or described.",
		"3. Risk assessment.",
		"4. Severity: only one word, Low, Medium or High.",
		"5. Recommended actions.",
		"Do not use Markdown, headers or numbering in the output. Write plain text for each section.",
	}
}

// Chat returns the instruction segments for a follow-up question grounded
// in a previous raw analysis.
func Chat(priorRaw, question string) []string {
	return []string{
		"You are Medivio. You have already analyzed this patient's data.",
		"Your previous analysis was: " + priorRaw,
		"The user has a follow-up question. Build on the analysis above and do not repeat the whole analysis unless asked.",
		"Answer the specific question directly.",
		"User question: " + question,
	}
}
