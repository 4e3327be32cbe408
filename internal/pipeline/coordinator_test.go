package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm"
	"github.com/pagelift/docextract/internal/regions"
	"github.com/pagelift/docextract/internal/render"
)

type stubRenderer struct {
	mu      sync.Mutex
	fail    map[int]error
	content func(page int) render.PageContent
	cleared int
}

func (s *stubRenderer) Render(_ context.Context, _ string, page int) (render.PageContent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[page]; ok {
		return render.PageContent{}, &common.RenderError{Page: page, Cause: err}
	}
	if s.content != nil {
		return s.content(page), nil
	}
	return render.PageContent{Type: render.ContentText, Text: fmt.Sprintf("page %d text", page)}, nil
}

func (s *stubRenderer) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

type stubClient struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req llm.CompletionRequest) (llm.Completion, error)
}

func (s *stubClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, req)
}

type stubDetector struct {
	regs []regions.DetectionRegion
	err  error
}

func (s *stubDetector) Detect(context.Context, []byte) ([]regions.DetectionRegion, error) {
	return s.regs, s.err
}

func fastOpts() Options {
	return Options{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	client := &stubClient{fn: func(call int, _ llm.CompletionRequest) (llm.Completion, error) {
		if call <= 2 {
			return llm.Completion{}, &common.ModelCallError{Status: 503, Cause: errors.New("upstream hiccup")}
		}
		return llm.Completion{
			Text:  `{"total": 10}`,
			Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		}, nil
	}}
	renderer := &stubRenderer{}
	c := NewCoordinator(renderer, client, nil, nil, fastOpts())

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].OK())
	assert.Equal(t, 2, results[0].RetryCount)
	assert.Equal(t, 10.0, results[0].Value["total"])

	record, warnings := Merge(results, MergeOptions{})
	assert.Empty(t, warnings)
	assert.Equal(t, 8, record.Usage.TotalTokens)
	assert.Equal(t, 1, renderer.cleared)
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{}, &common.ModelCallError{Status: 400, Cause: errors.New("bad request")}
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	var all *common.AllPagesFailedError
	require.True(t, errors.As(err, &all))
	assert.Equal(t, 1, all.Pages)
	assert.Equal(t, 0, results[0].RetryCount)
	assert.Equal(t, StageModel, results[0].FailedStage)
	assert.Equal(t, 1, client.calls)
}

func TestRunRetryCountStopsAtTerminalError(t *testing.T) {
	client := &stubClient{fn: func(call int, _ llm.CompletionRequest) (llm.Completion, error) {
		if call == 1 {
			return llm.Completion{}, &common.ModelCallError{Status: 500, Cause: errors.New("transient")}
		}
		return llm.Completion{}, &common.ModelCallError{Status: 400, Cause: errors.New("terminal")}
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	require.Error(t, err)
	assert.Equal(t, 1, results[0].RetryCount)
	assert.Equal(t, 2, client.calls)
}

func TestRunAllPagesFailed(t *testing.T) {
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{}, &common.ModelCallError{Status: 401, Cause: errors.New("unauthorized")}
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	_, err := c.Run(context.Background(), "doc.pdf", 3)
	var all *common.AllPagesFailedError
	require.True(t, errors.As(err, &all))
	assert.Equal(t, 3, all.Pages)
	assert.Len(t, all.Causes, 3)
}

func TestRunPartialSuccessIsNotFatal(t *testing.T) {
	renderer := &stubRenderer{fail: map[int]error{1: errors.New("corrupt page stream")}}
	client := &stubClient{fn: func(_ int, req llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: fmt.Sprintf(`{"key_%s": 1}`, req.User)}, nil
	}}
	c := NewCoordinator(renderer, client, nil, nil, optsWithIndexPrompt())

	results, err := c.Run(context.Background(), "doc.pdf", 3)
	require.NoError(t, err)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Equal(t, StageRender, results[1].FailedStage)
	assert.True(t, results[2].OK())

	_, warnings := Merge(results, MergeOptions{})
	require.Len(t, warnings, 1)
	assert.Equal(t, 1, warnings[0].PageIndex)
	assert.Equal(t, StageRender, warnings[0].FailedStage)
}

func TestRunUnparseableResponse(t *testing.T) {
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: "the page appears blank"}, nil
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	require.Error(t, err)
	assert.Equal(t, StageParse, results[0].FailedStage)
	var perr *common.ResponseParseError
	assert.True(t, errors.As(results[0].Err, &perr))
}

func TestRunCancelledBeforeStart(t *testing.T) {
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: `{"a":1}`}, nil
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := c.Run(ctx, "doc.pdf", 4)

	// cancellation is not an all-pages failure
	require.NoError(t, err)
	for _, r := range results {
		require.False(t, r.OK())
		assert.True(t, errors.Is(r.Err, context.Canceled))
	}
	assert.Equal(t, 0, client.calls)
}

type cancelObservingClient struct {
	cancelRun    context.CancelFunc
	sawCancelled bool
}

func (c *cancelObservingClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.Completion, error) {
	// cancel the run while this call is in flight; the call's own context
	// must stay live so the dispatched request can finish
	c.cancelRun()
	c.sawCancelled = ctx.Err() != nil
	return llm.Completion{Text: `{"total": 10}`}, nil
}

func TestRunCancelDoesNotAbortInFlightCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancelObservingClient{cancelRun: cancel}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, fastOpts())

	results, err := c.Run(ctx, "doc.pdf", 1)
	require.NoError(t, err)
	require.True(t, results[0].OK())
	assert.Equal(t, 10.0, results[0].Value["total"])
	assert.False(t, client.sawCancelled)
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		cancel()
		return llm.Completion{}, &common.ModelCallError{Status: 503, Cause: errors.New("busy")}
	}}
	opts := Options{BackoffBase: time.Minute, BackoffMax: time.Minute}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, opts)

	done := make(chan struct{})
	var results []PageResult
	var err error
	go func() {
		results, err = c.Run(ctx, "doc.pdf", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation during backoff")
	}
	require.NoError(t, err)
	require.False(t, results[0].OK())
	assert.True(t, errors.Is(results[0].Err, context.Canceled))
	assert.Equal(t, 1, client.calls)
}

func optsWithIndexPrompt() Options {
	opts := fastOpts()
	opts.Prompt = func(task PageTask, _ render.PageContent, _ []string) (string, string) {
		return "extract", strconv.Itoa(task.PageIndex)
	}
	return opts
}

func TestRunResultsIndexedByPage(t *testing.T) {
	client := &stubClient{fn: func(_ int, req llm.CompletionRequest) (llm.Completion, error) {
		// vary completion timing so arrival order differs from page order
		page, _ := strconv.Atoi(req.User)
		time.Sleep(time.Duration((7*page)%5) * time.Millisecond)
		return llm.Completion{Text: fmt.Sprintf(`{"key_%d": %d}`, page, page)}, nil
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, optsWithIndexPrompt())

	results, err := c.Run(context.Background(), "doc.pdf", 6)
	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, i, r.PageIndex)
		assert.Equal(t, []string{fmt.Sprintf("key_%d", i)}, r.KeyOrder)
	}

	record, _ := Merge(results, MergeOptions{})
	want := make([]string, 6)
	for i := range want {
		want[i] = fmt.Sprintf("key_%d", i)
	}
	assert.Equal(t, want, record.KeyOrder)
}

func TestRunColumnarPrimesSchema(t *testing.T) {
	var mu sync.Mutex
	hints := make(map[int][]string)

	opts := fastOpts()
	opts.Columnar = true
	opts.PrimePages = 2
	opts.Prompt = func(task PageTask, _ render.PageContent, hint []string) (string, string) {
		mu.Lock()
		hints[task.PageIndex] = append([]string(nil), hint...)
		mu.Unlock()
		return "extract", strconv.Itoa(task.PageIndex)
	}
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: `{"col_a": 1, "col_b": 2}`}, nil
	}}
	c := NewCoordinator(&stubRenderer{}, client, nil, nil, opts)

	results, err := c.Run(context.Background(), "doc.pdf", 4)
	require.NoError(t, err)
	for _, r := range results {
		require.True(t, r.OK())
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, hints[0])
	for page := 1; page < 4; page++ {
		assert.Equal(t, []string{"col_a", "col_b"}, hints[page], "page %d", page)
	}
}

func TestRunDetectsAndRemapsRegions(t *testing.T) {
	renderer := &stubRenderer{content: func(int) render.PageContent {
		return render.PageContent{
			Type:       render.ContentImage,
			ImagePNG:   []byte("png"),
			Width:      850,
			Height:     1200,
			OrigWidth:  1700,
			OrigHeight: 2400,
		}
	}}
	detector := &stubDetector{regs: []regions.DetectionRegion{{
		Label:      "signature",
		Box:        regions.BBox{XMin: 100, YMin: 100, XMax: 200, YMax: 150},
		Confidence: 0.9,
	}}}
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: `{"has_signature": true, "total": 5}`}, nil
	}}

	opts := fastOpts()
	opts.DetectRegions = true
	c := NewCoordinator(renderer, client, detector, nil, opts)

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	require.NoError(t, err)
	require.Len(t, results[0].Regions, 1)
	assert.Equal(t, regions.BBox{XMin: 200, YMin: 200, XMax: 400, YMax: 300}, results[0].Regions[0].Box)

	record, _ := Merge(results, MergeOptions{})
	assert.Equal(t, []string{"total", RegionsKey}, record.KeyOrder)
}

func TestRunDetectorFailureKeepsPageData(t *testing.T) {
	renderer := &stubRenderer{content: func(int) render.PageContent {
		return render.PageContent{Type: render.ContentImage, ImagePNG: []byte("png"), Width: 100, Height: 100, OrigWidth: 100, OrigHeight: 100}
	}}
	detector := &stubDetector{err: errors.New("detector offline")}
	client := &stubClient{fn: func(int, llm.CompletionRequest) (llm.Completion, error) {
		return llm.Completion{Text: `{"total": 5}`}, nil
	}}

	opts := fastOpts()
	opts.DetectRegions = true
	c := NewCoordinator(renderer, client, detector, nil, opts)

	results, err := c.Run(context.Background(), "doc.pdf", 1)
	require.NoError(t, err)
	require.True(t, results[0].OK())
	assert.Empty(t, results[0].Regions)
	assert.Equal(t, 5.0, results[0].Value["total"])
}

func TestRunRejectsInvalidPageCount(t *testing.T) {
	c := NewCoordinator(&stubRenderer{}, &stubClient{}, nil, nil, fastOpts())
	_, err := c.Run(context.Background(), "doc.pdf", 0)
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr))
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}

func TestRunImagePagesAttachTheRaster(t *testing.T) {
	renderer := &stubRenderer{content: func(int) render.PageContent {
		return render.PageContent{Type: render.ContentImage, ImagePNG: []byte("raster-bytes")}
	}}
	var got []byte
	client := &stubClient{fn: func(_ int, req llm.CompletionRequest) (llm.Completion, error) {
		got = req.ImagePNG
		return llm.Completion{Text: `{"a":1}`}, nil
	}}
	c := NewCoordinator(renderer, client, nil, nil, fastOpts())

	_, err := c.Run(context.Background(), "doc.pdf", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("raster-bytes"), got)
}
