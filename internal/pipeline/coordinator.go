package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm"
	"github.com/pagelift/docextract/internal/regions"
	"github.com/pagelift/docextract/internal/render"
)

// Renderer is the page-rendering capability the coordinator depends on.
type Renderer interface {
	Render(ctx context.Context, path string, pageIndex int) (render.PageContent, error)
	ClearCache()
}

// PromptBuilder turns one rendered page into the prompts for the model.
// schemaHint carries the shared column schema in columnar mode, nil
// otherwise.
type PromptBuilder func(task PageTask, content render.PageContent, schemaHint []string) (system, user string)

// Options tune one coordinator. Rendering and model calls have independent
// bounds so CPU-heavy rasterization never starves in-flight network calls.
type Options struct {
	MaxModelCalls int64 // bound on concurrent model calls, default 6
	MaxRenders    int64 // bound on concurrent page renders, default 2
	MaxAttempts   int   // model call attempts per page, default 3
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	DetectRegions bool // per-run capability flag, never shared detector state
	RegionPad     regions.PadOptions

	Columnar   bool // process the first pages sequentially to establish a schema
	PrimePages int

	Prompt PromptBuilder
}

// Coordinator schedules one extraction task per page over bounded pools,
// retries failed pages in isolation, and returns results indexed by their
// original page order regardless of completion order.
type Coordinator struct {
	renderer Renderer
	client   llm.CompletionClient
	detector regions.Detector
	logger   *slog.Logger
	opts     Options
}

func NewCoordinator(renderer Renderer, client llm.CompletionClient, detector regions.Detector, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxModelCalls <= 0 {
		opts.MaxModelCalls = 6
	}
	if opts.MaxRenders <= 0 {
		opts.MaxRenders = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 8 * time.Second
	}
	if opts.PrimePages <= 0 {
		opts.PrimePages = 2
	}
	if opts.Prompt == nil {
		opts.Prompt = DefaultPrompt
	}
	return &Coordinator{
		renderer: renderer,
		client:   client,
		detector: detector,
		logger:   logger,
		opts:     opts,
	}
}

// Run extracts every page of the document. Individual page failures are
// recorded in their PageResult, never raised; the error return is non-nil
// only when the input is invalid or every page failed. Cancelling ctx stops
// new pages and retries but lets already-started model calls finish;
// results produced before cancellation are still returned.
func (c *Coordinator) Run(ctx context.Context, document string, pageCount int) ([]PageResult, error) {
	if pageCount <= 0 {
		return nil, common.NewAppError("PIPELINE_ERROR", "page count must be positive", common.ErrInvalidInput)
	}
	defer c.renderer.ClearCache()

	start := time.Now()
	c.logger.Info("pipeline.run.start",
		"document", document,
		"pages", pageCount,
		"max_model_calls", c.opts.MaxModelCalls,
		"max_renders", c.opts.MaxRenders,
		"columnar", c.opts.Columnar,
	)

	renderSem := semaphore.NewWeighted(c.opts.MaxRenders)
	modelSem := semaphore.NewWeighted(c.opts.MaxModelCalls)

	// arena-style indexed storage: each task writes only its own slot, so
	// completion order can never leak into the merge
	results := make([]PageResult, pageCount)

	var schemaHint []string
	next := 0
	if c.opts.Columnar {
		schemaHint, next = c.prime(ctx, document, results, renderSem, modelSem)
	}

	var wg sync.WaitGroup
	for i := next; i < pageCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			task := PageTask{PageIndex: idx, Document: document}
			results[idx] = c.processPage(ctx, task, schemaHint, renderSem, modelSem)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	var causes []error
	for _, r := range results {
		if r.OK() {
			succeeded++
		} else if r.Err != nil {
			causes = append(causes, fmt.Errorf("page %d: %w", r.PageIndex, r.Err))
		}
	}

	c.logger.Info("pipeline.run.done",
		"document", document,
		"pages", pageCount,
		"succeeded", succeeded,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if succeeded == 0 && ctx.Err() == nil {
		return results, &common.AllPagesFailedError{Pages: pageCount, Causes: causes}
	}
	return results, nil
}

// prime processes the first pages strictly sequentially so columnar
// documents can establish a shared column schema before the parallel
// fan-out. The schema is the key order of the first page that yields one.
func (c *Coordinator) prime(ctx context.Context, document string, results []PageResult, renderSem, modelSem *semaphore.Weighted) ([]string, int) {
	n := c.opts.PrimePages
	if n > len(results) {
		n = len(results)
	}
	var schema []string
	for i := 0; i < n; i++ {
		task := PageTask{PageIndex: i, Document: document}
		results[i] = c.processPage(ctx, task, schema, renderSem, modelSem)
		if schema == nil && results[i].OK() && len(results[i].KeyOrder) > 0 {
			schema = results[i].KeyOrder
			c.logger.Info("pipeline.prime.schema", "page", i, "columns", len(schema))
		}
	}
	return schema, n
}

func (c *Coordinator) processPage(ctx context.Context, task PageTask, schemaHint []string, renderSem, modelSem *semaphore.Weighted) PageResult {
	res := PageResult{PageIndex: task.PageIndex}

	// cancellation check before any work starts
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	if err := renderSem.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	content, err := c.renderer.Render(ctx, task.Document, task.PageIndex)
	renderSem.Release(1)
	if err != nil {
		c.logger.Warn("pipeline.page.render_failed", "page", task.PageIndex, "error", err)
		res.Err = err
		res.FailedStage = StageRender
		return res
	}
	res.ContentType = content.Type

	system, user := c.opts.Prompt(task, content, schemaHint)
	req := llm.CompletionRequest{System: system, User: user}
	if content.Type == render.ContentImage {
		req.ImagePNG = content.ImagePNG
	}

	completion, retries, err := c.callModel(ctx, task.PageIndex, req, modelSem)
	res.RetryCount = retries
	if err != nil {
		res.Err = err
		res.FailedStage = StageModel
		return res
	}
	res.Usage = completion.Usage

	recovered, err := llm.Recover(completion.Text)
	if err != nil {
		c.logger.Warn("pipeline.page.parse_failed", "page", task.PageIndex, "error", err)
		res.Err = err
		res.FailedStage = StageParse
		return res
	}
	res.Value = recovered.Value
	res.KeyOrder = recovered.KeyOrder
	res.Provenance = recovered.Provenance
	res.Partial = recovered.Partial

	if c.opts.DetectRegions && c.detector != nil && content.Type == render.ContentImage {
		res.Regions = c.detect(ctx, task.PageIndex, content)
	}

	c.logger.Debug("pipeline.page.ok",
		"page", task.PageIndex,
		"content_type", content.Type,
		"provenance", recovered.Provenance,
		"keys", len(recovered.KeyOrder),
		"retries", retries,
	)
	return res
}

// callModel performs the bounded-retry model call. Only transport failures
// flagged retryable are retried; the cancellation token is checked before
// every retry. Returns the number of retries performed.
func (c *Coordinator) callModel(ctx context.Context, page int, req llm.CompletionRequest, modelSem *semaphore.Weighted) (llm.Completion, int, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return llm.Completion{}, attempt, err
		}
		if err := modelSem.Acquire(ctx, 1); err != nil {
			return llm.Completion{}, attempt, err
		}
		// a dispatched call runs to completion even if the run is cancelled
		// meanwhile; the client's own timeout still bounds it
		completion, err := c.client.Complete(context.WithoutCancel(ctx), req)
		modelSem.Release(1)
		if err == nil {
			return completion, attempt, nil
		}
		lastErr = err

		var mce *common.ModelCallError
		if !errors.As(err, &mce) || !mce.Retryable() || attempt+1 >= c.opts.MaxAttempts {
			return llm.Completion{}, attempt, err
		}

		delay := c.backoff(attempt)
		c.logger.Warn("pipeline.page.retry",
			"page", page,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return llm.Completion{}, attempt + 1, ctx.Err()
		case <-time.After(delay):
		}
	}
	return llm.Completion{}, c.opts.MaxAttempts - 1, lastErr
}

// backoff is exponential with half-jitter.
func (c *Coordinator) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << uint(attempt)
	if d > c.opts.BackoffMax {
		d = c.opts.BackoffMax
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// detect runs the detector against the model-visible raster and remaps the
// regions back onto the full-resolution page. Detection failures only cost
// the page its regions, never its data.
func (c *Coordinator) detect(ctx context.Context, page int, content render.PageContent) []regions.DetectionRegion {
	regs, err := c.detector.Detect(ctx, content.ImagePNG)
	if err != nil {
		c.logger.Warn("pipeline.page.detect_failed", "page", page, "error", err)
		return nil
	}
	for i := range regs {
		if regs[i].SourceWidth == 0 || regs[i].SourceHeight == 0 {
			regs[i].SourceWidth = content.Width
			regs[i].SourceHeight = content.Height
		}
	}
	return regions.RemapAll(regs, content.OrigWidth, content.OrigHeight, c.opts.RegionPad)
}

// DefaultPrompt is the open-extraction prompt: pull every labeled field the
// page shows into flat JSON, preserving reading order.
func DefaultPrompt(task PageTask, content render.PageContent, schemaHint []string) (string, string) {
	system := strings.Join([]string{
		"You are a document data extraction engine.",
		"Return ONLY a JSON object, no prose, no markdown fences.",
		"Use the document's own field labels as keys, lower_snake_case.",
		"Keep keys in the order the fields appear on the page.",
		"If a field is absent, omit it. Never output null.",
	}, " ")

	var b strings.Builder
	fmt.Fprintf(&b, "Page %d of the document.\n", task.PageIndex+1)
	if len(schemaHint) > 0 {
		b.WriteString("Earlier pages of this document use these columns; reuse them where they apply: ")
		b.WriteString(strings.Join(schemaHint, ", "))
		b.WriteString("\n")
	}
	if content.Type == render.ContentText {
		b.WriteString("\nPage text:\n")
		b.WriteString(content.Text)
	} else {
		b.WriteString("\nExtract the structured data from the attached page image.")
	}
	return system, b.String()
}
