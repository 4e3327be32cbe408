package llm

import (
	"errors"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/pagelift/docextract/internal/common"
)

// Provenance records which recovery stage produced a structured value, so
// downstream consumers can decide how much to trust it.
type Provenance string

const (
	ProvenanceClean     Provenance = "clean"
	ProvenanceSanitized Provenance = "sanitized"
	ProvenanceRepaired  Provenance = "repaired"
	ProvenanceLenient   Provenance = "lenient"
	ProvenancePartial   Provenance = "partial"
)

// Recovered is a validated structured value plus its explicit top-level key
// order, which the decoded map alone cannot preserve.
type Recovered struct {
	Value      map[string]any
	KeyOrder   []string
	Provenance Provenance
	Partial    bool
}

// Field is one entry of the canonical ordered-field view of a value.
type Field struct {
	Name  string
	Value any
}

// Fields flattens the value into the canonical ordered-field list, following
// the recorded key order.
func (r Recovered) Fields() []Field {
	out := make([]Field, 0, len(r.KeyOrder))
	for _, k := range r.KeyOrder {
		out = append(out, Field{Name: k, Value: r.Value[k]})
	}
	return out
}

// attempt is one independent recovery strategy. Strategies are tried in a
// fixed order; each one either yields a value or a reason it could not.
type attempt struct {
	name string
	fn   func(raw string) (Recovered, error)
}

var cascade = []attempt{
	{"sanitize", attemptSanitize},
	{"markdown", attemptMarkdown},
	{"repair", attemptRepair},
	{"lenient", attemptLenient},
	{"partial", attemptPartial},
}

// Recover converts a raw model completion into a structured value,
// escalating through repair strategies when naive parsing fails. Running it
// on already-valid JSON returns the same value a strict parse would, tagged
// ProvenanceClean. If every stage fails, the error is a
// *common.ResponseParseError naming the last stage tried.
func Recover(raw string) (Recovered, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Recovered{}, &common.ResponseParseError{
			Stage: cascade[0].name,
			Cause: errors.New("empty response"),
		}
	}

	var lastErr error
	lastStage := cascade[0].name
	for _, a := range cascade {
		rec, err := a.fn(trimmed)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		lastStage = a.name
	}
	return Recovered{}, &common.ResponseParseError{Stage: lastStage, Cause: lastErr}
}

func attemptSanitize(raw string) (Recovered, error) {
	if m, order, err := parseObject([]byte(raw)); err == nil {
		return Recovered{Value: m, KeyOrder: order, Provenance: ProvenanceClean}, nil
	}
	cleaned := sanitizeJSON(raw)
	m, order, err := parseObject([]byte(cleaned))
	if err != nil {
		return Recovered{}, err
	}
	return Recovered{Value: m, KeyOrder: order, Provenance: ProvenanceSanitized}, nil
}

func attemptMarkdown(raw string) (Recovered, error) {
	body, ok := unwrapFence(raw)
	if !ok {
		return Recovered{}, errors.New("no fenced code block")
	}
	rec, err := attemptSanitize(body)
	if err != nil {
		return Recovered{}, err
	}
	// the text needed unwrapping, so it was never clean
	rec.Provenance = ProvenanceSanitized
	return rec, nil
}

func attemptRepair(raw string) (Recovered, error) {
	candidate := raw
	if body, ok := unwrapFence(raw); ok {
		candidate = body
	}
	repaired, changed := repairTruncated(sanitizeJSON(candidate))
	if !changed {
		return Recovered{}, errors.New("no imbalance to repair")
	}
	m, order, err := parseObject([]byte(repaired))
	if err != nil {
		return Recovered{}, err
	}
	return Recovered{Value: m, KeyOrder: order, Provenance: ProvenanceRepaired}, nil
}

func attemptLenient(raw string) (Recovered, error) {
	candidate := raw
	if body, ok := unwrapFence(raw); ok {
		candidate = body
	}
	std, err := hujson.Standardize([]byte(candidate))
	if err != nil {
		return Recovered{}, err
	}
	m, order, perr := parseObject(std)
	if perr != nil {
		return Recovered{}, perr
	}
	return Recovered{Value: m, KeyOrder: order, Provenance: ProvenanceLenient}, nil
}

func attemptPartial(raw string) (Recovered, error) {
	m, order, ok := extractPartial(raw)
	if !ok {
		return Recovered{}, errors.New("no extractable key/value pairs")
	}
	return Recovered{Value: m, KeyOrder: order, Provenance: ProvenancePartial, Partial: true}, nil
}
