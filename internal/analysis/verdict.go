// Package analysis turns uploaded media plus a criterion into a
// validated verdict. It owns prompt construction, response parsing,
// and the retry loop around the model call.
package analysis

import (
	"fmt"
	"strings"

	"uxrmate/internal/services/gemini"
)

// Verdict is the structured judgement the model must produce for one
// media/criterion pair.
type Verdict struct {
	Status         string      `json:"status"`
	FrictionScore  int         `json:"friction_score"`
	Confidence     int         `json:"confidence"`
	Observations   string      `json:"observations"`
	KeyMoments     []KeyMoment `json:"key_moments"`
	Recommendation string      `json:"recommendation"`
}

// KeyMoment points at a notable instant in the recording.
type KeyMoment struct {
	Timestamp   string `json:"timestamp"`
	Description string `json:"description"`
}

// Parse-failure kinds. A response can be malformed in several distinct
// ways; the invoker escalates when the model repeats the same mistake.
const (
	KindDecode     = "decode"
	KindStatus     = "status"
	KindFriction   = "friction"
	KindConfidence = "confidence"
)

// ParseError describes a model response that failed validation.
type ParseError struct {
	Kind    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("verdict %s: %s", e.Kind, e.Message)
}

var validStatuses = map[string]struct{}{
	"pass":    {},
	"fail":    {},
	"partial": {},
}

// ParseVerdict decodes and validates a raw model response. Failures
// return a *ParseError carrying the failure kind.
func ParseVerdict(content string) (Verdict, error) {
	var verdict Verdict
	if err := gemini.DecodeModelJSON(content, &verdict); err != nil {
		return verdict, &ParseError{Kind: KindDecode, Message: err.Error()}
	}

	verdict.Status = strings.ToLower(strings.TrimSpace(verdict.Status))
	if _, ok := validStatuses[verdict.Status]; !ok {
		return verdict, &ParseError{Kind: KindStatus, Message: fmt.Sprintf("unknown status %q", verdict.Status)}
	}
	if verdict.FrictionScore < 1 || verdict.FrictionScore > 5 {
		return verdict, &ParseError{Kind: KindFriction, Message: fmt.Sprintf("friction_score %d outside 1-5", verdict.FrictionScore)}
	}
	if verdict.Confidence < 1 || verdict.Confidence > 5 {
		return verdict, &ParseError{Kind: KindConfidence, Message: fmt.Sprintf("confidence %d outside 1-5", verdict.Confidence)}
	}
	verdict.Observations = strings.TrimSpace(verdict.Observations)
	verdict.Recommendation = strings.TrimSpace(verdict.Recommendation)
	return verdict, nil
}
