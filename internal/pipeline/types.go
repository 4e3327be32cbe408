package pipeline

import (
	"bytes"
	"encoding/json"

	"github.com/pagelift/docextract/internal/llm"
	"github.com/pagelift/docextract/internal/regions"
	"github.com/pagelift/docextract/internal/render"
)

// Stage names the pipeline step a page failed in.
type Stage string

const (
	StageRender Stage = "render"
	StageModel  Stage = "model"
	StageParse  Stage = "parse"
)

// PageTask is one unit of work, created per page by the coordinator.
type PageTask struct {
	PageIndex   int
	Document    string
	ContentHint render.ContentType // empty means let the renderer decide
}

// PageResult is produced exactly once per page, success or terminal
// failure. The coordinator owns it until the aggregator folds it in.
type PageResult struct {
	PageIndex   int
	ContentType render.ContentType
	Value       map[string]any
	KeyOrder    []string
	Provenance  llm.Provenance
	Partial     bool
	Regions     []regions.DetectionRegion
	Usage       llm.Usage

	Err         error
	RetryCount  int
	FailedStage Stage
}

func (r PageResult) OK() bool { return r.Err == nil }

// Warning describes a page that did not fully succeed. Callers must check
// warnings to distinguish a complete record from a best-effort one.
type Warning struct {
	PageIndex   int    `json:"page_index"`
	Error       string `json:"error"`
	RetryCount  int    `json:"retry_count"`
	FailedStage Stage  `json:"failed_stage"`
}

// DocumentRecord is the document-level fold of all successful pages.
// KeyOrder carries every non-internal key of Sections in first-insertion
// order; it exists because the wire format does not preserve map ordering.
type DocumentRecord struct {
	Sections map[string]any
	KeyOrder []string
	Usage    llm.Usage
}

// MarshalJSON writes Sections as a JSON object in KeyOrder.
func (r DocumentRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.KeyOrder {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.Sections[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
