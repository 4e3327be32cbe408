package render

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pagelift/docextract/internal/common"
)

// ContentType says which path a rendered page took.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// PageContent is one rendered page: either extractable text, or a raster
// pair (model-visible enhanced image plus the full-resolution original).
type PageContent struct {
	Type       ContentType
	Text       string
	Confidence float32
	Method     string // "pdf-text" | "pdf-raster"

	ImagePNG    []byte // enhanced, possibly downscaled; what the model sees
	OriginalPNG []byte // full-resolution render of the page
	Width       int    // model-visible dimensions
	Height      int
	OrigWidth   int
	OrigHeight  int
}

type Config struct {
	Pdftotext   string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm    string // binary name or absolute path; if empty -> "pdftoppm"
	Pdfimages   string // binary name or absolute path; if empty -> "pdfimages"
	DPI         int    // rasterization DPI, default 300
	MaxImageDim int    // longest side of the model-visible raster, default 2000

	TextConfidence float32 // threshold for taking the text path, default 0.70
	PreferText     bool
	CacheSize      int // per-run document cache entries, default 8
}

// Renderer turns document pages into text or rasters, preferring text when
// a quality heuristic says it is reliable.
type Renderer struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
	cache  *lru.Cache[string, *docProbe]
}

// docProbe is the cached document-wide preparation shared by all page tasks
// of a run: per-page machine text and embedded-image counts. Read-mostly
// after first population.
type docProbe struct {
	pageCount   int
	pageText    []string
	imageBlocks []int
}

func NewRenderer(cfg Config, logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Pdfimages == "" {
		cfg.Pdfimages = "pdfimages"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MaxImageDim <= 0 {
		cfg.MaxImageDim = 2000
	}
	if cfg.TextConfidence <= 0 {
		cfg.TextConfidence = 0.70
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 8
	}
	cache, err := lru.New[string, *docProbe](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("build document cache: %w", err)
	}
	return &Renderer{cfg: cfg, runner: execRunner{}, logger: logger, cache: cache}, nil
}

// PageCount probes the document and reports how many pages it has.
func (r *Renderer) PageCount(ctx context.Context, path string) (int, error) {
	probe, err := r.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	return probe.pageCount, nil
}

// Render produces the content for one page. Failures are returned as
// *common.RenderError and are page-local: the caller treats them as a
// single-page failure, never fatal to the run.
func (r *Renderer) Render(ctx context.Context, path string, pageIndex int) (PageContent, error) {
	start := time.Now()

	probe, err := r.probe(ctx, path)
	if err != nil {
		return PageContent{}, &common.RenderError{Page: pageIndex, Cause: err}
	}
	if pageIndex < 0 || pageIndex >= probe.pageCount {
		return PageContent{}, &common.RenderError{
			Page:  pageIndex,
			Cause: fmt.Errorf("page out of range (document has %d pages)", probe.pageCount),
		}
	}

	text := ""
	if pageIndex < len(probe.pageText) {
		text = probe.pageText[pageIndex]
	}
	imgBlocks := 0
	if pageIndex < len(probe.imageBlocks) {
		imgBlocks = probe.imageBlocks[pageIndex]
	}

	conf := scoreText(text, imgBlocks)
	if r.cfg.PreferText && conf >= r.cfg.TextConfidence {
		r.logger.Debug("render.page.text",
			"path", path, "page", pageIndex,
			"confidence", conf, "chars", len(text),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return PageContent{
			Type:       ContentText,
			Text:       text,
			Confidence: conf,
			Method:     "pdf-text",
		}, nil
	}

	content, err := r.rasterize(ctx, path, pageIndex)
	if err != nil {
		return PageContent{}, &common.RenderError{Page: pageIndex, Cause: err}
	}
	content.Confidence = conf
	r.logger.Debug("render.page.raster",
		"path", path, "page", pageIndex,
		"text_confidence", conf,
		"width", content.Width, "height", content.Height,
		"orig_width", content.OrigWidth, "orig_height", content.OrigHeight,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}

// ClearCache drops every cached document probe. The coordinator calls this
// at the end of each run, success or failure.
func (r *Renderer) ClearCache() {
	r.cache.Purge()
}

func (r *Renderer) probe(ctx context.Context, path string) (*docProbe, error) {
	key, err := contentHash(path)
	if err != nil {
		return nil, fmt.Errorf("hash document: %w", err)
	}
	if probe, ok := r.cache.Get(key); ok {
		return probe, nil
	}

	out, errb, err := r.runner.Run(ctx, r.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w: %s", err, truncate(string(errb), 512))
	}
	// form feed is the page separator
	pages := strings.Split(string(out), "\f")
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}

	probe := &docProbe{
		pageCount:   len(pages),
		pageText:    pages,
		imageBlocks: make([]int, len(pages)),
	}

	// image census is best-effort; a document without one still renders
	if imgOut, _, imgErr := r.runner.Run(ctx, r.cfg.Pdfimages, "-list", path); imgErr == nil {
		countImages(string(imgOut), probe.imageBlocks)
	} else {
		r.logger.Warn("render.probe.pdfimages_failed", "path", path, "error", imgErr)
	}

	r.cache.Add(key, probe)
	r.logger.Debug("render.probe.ok", "path", path, "pages", probe.pageCount)
	return probe, nil
}

// countImages parses `pdfimages -list` output (two header lines, then one
// row per embedded image with the page number in the first column).
func countImages(out string, perPage []int) {
	sc := bufio.NewScanner(strings.NewReader(out))
	line := 0
	for sc.Scan() {
		line++
		if line <= 2 {
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		page, err := strconv.Atoi(fields[0])
		if err != nil || page < 1 || page > len(perPage) {
			continue
		}
		perPage[page-1]++
	}
}

func contentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
