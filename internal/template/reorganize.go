package template

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm"
	"github.com/pagelift/docextract/internal/pipeline"
)

// Reorganized is the outcome of the two-step guided strategy. Raw keeps the
// un-reorganized page-order record alongside the reorganized one for audit.
type Reorganized struct {
	Record   pipeline.DocumentRecord
	Raw      pipeline.DocumentRecord
	Warnings []pipeline.Warning

	Provenance      llm.Provenance
	Valid           bool
	ValidationError string
}

// Reorganize runs the two-step guided strategy: open extraction over every
// page, then one model call reshaping the merged record into the target
// template, validated against the template's schema when it has one.
func (o *Organizer) Reorganize(ctx context.Context, document string, pageCount int, templateName string) (Reorganized, error) {
	t, ok := o.store.Get(templateName)
	if !ok {
		return Reorganized{}, common.NewAppError("TEMPLATE_ERROR",
			fmt.Sprintf("unknown template %q", templateName), common.ErrNotFound)
	}

	start := time.Now()
	results, err := o.extractor.Run(ctx, document, pageCount)
	if err != nil {
		return Reorganized{}, err
	}
	raw, warnings := pipeline.Merge(results, pipeline.MergeOptions{})

	rawJSON, err := raw.MarshalJSON()
	if err != nil {
		return Reorganized{}, fmt.Errorf("marshal extracted record: %w", err)
	}

	completion, err := o.client.Complete(ctx, llm.CompletionRequest{
		System: reorganizeSystemPrompt,
		User:   buildReorganizeUser(t, string(rawJSON)),
	})
	if err != nil {
		return Reorganized{Raw: raw, Warnings: warnings}, common.WrapError(err, "reorganize call")
	}

	recovered, err := llm.Recover(completion.Text)
	if err != nil {
		return Reorganized{Raw: raw, Warnings: warnings}, common.WrapError(err, "parse reorganized record")
	}

	out := Reorganized{
		Record: pipeline.DocumentRecord{
			Sections: recovered.Value,
			KeyOrder: recovered.KeyOrder,
			Usage:    raw.Usage,
		},
		Raw:        raw,
		Warnings:   warnings,
		Provenance: recovered.Provenance,
		Valid:      true,
	}
	out.Record.Usage.Add(completion.Usage)

	if t.Schema != nil {
		data, merr := out.Record.MarshalJSON()
		if merr != nil {
			return out, fmt.Errorf("marshal reorganized record: %w", merr)
		}
		if verr := validateAgainstSchema(t.Schema, data); verr != nil {
			out.Valid = false
			out.ValidationError = verr.Error()
			o.logger.Warn("template.reorganize.schema_mismatch",
				"template", t.Name, "error", verr)
		}
	}

	o.logger.Info("template.reorganize.ok",
		"document", document,
		"template", t.Name,
		"valid", out.Valid,
		"provenance", out.Provenance,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

const reorganizeSystemPrompt = "You reorganize extracted document data into a target shape. " +
	"Return ONLY a JSON object with exactly the target fields. " +
	"Copy values from the source data; do not invent values. " +
	"Omit target fields the source has no value for. Never output null."

func buildReorganizeUser(t *Template, rawJSON string) string {
	var b strings.Builder
	b.WriteString("Target fields, in order:\n")
	for _, f := range t.Fields {
		fmt.Fprintf(&b, "- %s", f.Name)
		if f.Required {
			b.WriteString(" (required)")
		}
		if len(f.Aliases) > 0 {
			fmt.Fprintf(&b, " (source data may label it: %s)", strings.Join(f.Aliases, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nSource data (keys carry page suffixes where pages collided):\n")
	b.WriteString(rawJSON)
	return b.String()
}
