package template

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm"
	"github.com/pagelift/docextract/internal/pipeline"
)

// Extractor is the open-extraction pass both strategies are built on.
type Extractor interface {
	Run(ctx context.Context, document string, pageCount int) ([]pipeline.PageResult, error)
}

// MatchResult names the best-matching template and how many of its fields
// the extracted record covered.
type MatchResult struct {
	Template     string
	Matched      int
	Total        int
	Ratio        float64
	FieldMatches map[string]string // template field -> record key
}

// Organizer layers template strategies over the per-page machinery: run an
// open extraction first, then either match the field list against candidate
// templates or reorganize the record into a target schema.
type Organizer struct {
	extractor Extractor
	client    llm.CompletionClient
	store     *Store
	logger    *slog.Logger

	MinSimilarity float64 // per-field fuzzy match cutoff, default 0.72
	MinMatchRatio float64 // below this, one model call adjudicates, default 0.5
}

func NewOrganizer(extractor Extractor, client llm.CompletionClient, store *Store, logger *slog.Logger) *Organizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Organizer{
		extractor:     extractor,
		client:        client,
		store:         store,
		logger:        logger,
		MinSimilarity: 0.72,
		MinMatchRatio: 0.5,
	}
}

// MatchFields runs the field-first strategy: open extraction, flatten the
// page fields into one list, score it against every template, and fall back
// to a single adjudication call when no template matches convincingly.
func (o *Organizer) MatchFields(ctx context.Context, document string, pageCount int) (MatchResult, pipeline.DocumentRecord, []pipeline.Warning, error) {
	results, err := o.extractor.Run(ctx, document, pageCount)
	if err != nil {
		return MatchResult{}, pipeline.DocumentRecord{}, nil, err
	}
	record, warnings := pipeline.Merge(results, pipeline.MergeOptions{})

	flat := flattenKeys(record.KeyOrder)
	var best MatchResult
	for _, t := range o.store.All() {
		m := o.matchTemplate(flat, t)
		if m.Ratio > best.Ratio || best.Template == "" {
			best = m
		}
	}
	o.logger.Info("template.match.scored",
		"document", document,
		"fields", len(flat),
		"best", best.Template,
		"ratio", best.Ratio,
	)

	if best.Ratio < o.MinMatchRatio && o.client != nil {
		adjudicated, usage, err := o.adjudicate(ctx, flat)
		if err != nil {
			o.logger.Warn("template.match.adjudicate_failed", "error", err)
		} else {
			record.Usage.Add(usage)
			best = adjudicated
		}
	}
	return best, record, warnings, nil
}

// matchTemplate counts template fields that have a fuzzy match among the
// record's flattened keys.
func (o *Organizer) matchTemplate(flat []string, t Template) MatchResult {
	m := MatchResult{
		Template:     t.Name,
		Total:        len(t.Fields),
		FieldMatches: make(map[string]string),
	}
	for _, f := range t.Fields {
		candidates := append([]string{f.Name}, f.Aliases...)
		bestKey := ""
		bestScore := 0.0
		for _, key := range flat {
			for _, cand := range candidates {
				score := levenshtein.Match(normalizeFieldName(cand), normalizeFieldName(key), nil)
				if score > bestScore {
					bestScore = score
					bestKey = key
				}
			}
		}
		if bestScore >= o.MinSimilarity {
			m.Matched++
			m.FieldMatches[f.Name] = bestKey
		}
	}
	if m.Total > 0 {
		m.Ratio = float64(m.Matched) / float64(m.Total)
	}
	return m
}

// adjudicate asks the model to pick a template for the flattened field
// list. Fields are not individually matchable here, so the per-field match
// count is estimated from the reported confidence.
func (o *Organizer) adjudicate(ctx context.Context, flat []string) (MatchResult, llm.Usage, error) {
	var names []string
	var lines []string
	for _, t := range o.store.All() {
		names = append(names, t.Name)
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}

	system := "You classify extracted documents against known templates. " +
		`Return ONLY JSON: {"template": "<name>", "confidence": <0..1>}.`
	user := fmt.Sprintf(
		"Extracted field names:\n%s\n\nCandidate templates:\n%s\n\nPick the best template from: %s",
		strings.Join(flat, ", "),
		strings.Join(lines, "\n"),
		strings.Join(names, ", "),
	)

	completion, err := o.client.Complete(ctx, llm.CompletionRequest{System: system, User: user})
	if err != nil {
		return MatchResult{}, llm.Usage{}, common.WrapError(err, "adjudicate template")
	}
	rec, err := llm.Recover(completion.Text)
	if err != nil {
		return MatchResult{}, completion.Usage, common.WrapError(err, "parse adjudication")
	}

	name, _ := rec.Value["template"].(string)
	t, ok := o.store.Get(name)
	if !ok {
		return MatchResult{}, completion.Usage, fmt.Errorf("model picked unknown template %q", name)
	}
	confidence := 0.0
	if c, ok := rec.Value["confidence"].(float64); ok {
		confidence = c
	}
	return MatchResult{
		Template: t.Name,
		Matched:  int(math.Round(confidence * float64(len(t.Fields)))),
		Total:    len(t.Fields),
		Ratio:    confidence,
	}, completion.Usage, nil
}

var rePageSuffix = regexp.MustCompile(`_page_\d+$`)

// flattenKeys strips the per-page namespacing off merged keys and dedupes,
// preserving first-seen order.
func flattenKeys(keyOrder []string) []string {
	seen := make(map[string]struct{}, len(keyOrder))
	out := make([]string, 0, len(keyOrder))
	for _, k := range keyOrder {
		if k == pipeline.RegionsKey {
			continue
		}
		base := rePageSuffix.ReplaceAllString(k, "")
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	return out
}

func normalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
