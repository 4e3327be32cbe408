package llm

import "context"

// Usage counts tokens spent on one completion. Counters are summed across
// pages by the aggregator, never namespaced.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another completion's counters.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// CompletionRequest is one prompt, optionally with a page raster attached.
type CompletionRequest struct {
	System   string
	User     string
	ImagePNG []byte // nil for text-only pages
}

// Completion is the raw model output plus its token accounting.
type Completion struct {
	Text  string
	Usage Usage
}

// CompletionClient is the consumed model capability. Transport failures are
// signaled as *common.ModelCallError so the coordinator can retry them;
// content failures (unusable response body) are returned as plain errors.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}
