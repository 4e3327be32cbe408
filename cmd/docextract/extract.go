package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/export"
	"github.com/pagelift/docextract/internal/llm/openai"
	"github.com/pagelift/docextract/internal/pipeline"
	"github.com/pagelift/docextract/internal/registry"
	"github.com/pagelift/docextract/internal/render"
)

type extractFlags struct {
	pages    int
	columnar bool
	detect   bool
	xlsxOut  string
}

func newExtractCmd() *cobra.Command {
	var flags extractFlags
	cmd := &cobra.Command{
		Use:   "extract <document.pdf>",
		Short: "Extract every page into one ordered document record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.pages, "pages", 0, "page count override (0 = probe the document)")
	cmd.Flags().BoolVar(&flags.columnar, "columnar", false, "establish a shared column schema from the first pages")
	cmd.Flags().BoolVar(&flags.detect, "detect", false, "run region detection on rasterized pages")
	cmd.Flags().StringVar(&flags.xlsxOut, "xlsx", "", "also write the record as an XLSX workbook")
	return cmd
}

func runExtract(cmd *cobra.Command, document string, flags extractFlags) error {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := slog.Default()

	renderer, coordinator, err := buildPipeline(cfg, logger, flags.columnar, flags.detect)
	if err != nil {
		return err
	}

	runs := registry.New(cfg.Registry.Capacity, cfg.Registry.TTL, logger)
	runID := uuid.New().String()
	ctx, cancel := runs.Register(cmd.Context(), runID)
	defer cancel()
	defer runs.Remove(runID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)
	go func() {
		<-stop
		logger.Warn("interrupt received, cancelling run", "run_id", runID)
		runs.Cancel(runID)
	}()

	pageCount := flags.pages
	if pageCount <= 0 {
		pageCount, err = renderer.PageCount(ctx, document)
		if err != nil {
			return common.WrapError(err, "probe page count")
		}
	}

	results, err := coordinator.Run(ctx, document, pageCount)
	if err != nil {
		return err
	}
	record, warnings := pipeline.Merge(results, pipeline.MergeOptions{})

	if flags.xlsxOut != "" {
		data, err := export.NewService(logger).RecordXLSX(record, warnings)
		if err != nil {
			return err
		}
		if err := os.WriteFile(flags.xlsxOut, data, 0o644); err != nil {
			return fmt.Errorf("write xlsx: %w", err)
		}
	}

	return writeJSON(cmd, map[string]any{
		"run_id":   runID,
		"record":   record,
		"warnings": warnings,
		"usage":    record.Usage,
	})
}

func buildPipeline(cfg *common.Config, logger *slog.Logger, columnar, detect bool) (*render.Renderer, *pipeline.Coordinator, error) {
	renderer, err := render.NewRenderer(render.Config{
		Pdftotext:      cfg.Render.Pdftotext,
		Pdftoppm:       cfg.Render.Pdftoppm,
		Pdfimages:      cfg.Render.Pdfimages,
		DPI:            cfg.Render.DPI,
		MaxImageDim:    cfg.Render.MaxImageDim,
		TextConfidence: cfg.Render.TextConfidence,
		PreferText:     cfg.Render.PreferText,
		CacheSize:      cfg.Render.CacheSize,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	client := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	coordinator := pipeline.NewCoordinator(renderer, client, nil, logger, pipeline.Options{
		MaxModelCalls: cfg.Pipeline.MaxModelCalls,
		MaxRenders:    cfg.Pipeline.MaxRenders,
		MaxAttempts:   cfg.Pipeline.MaxAttempts,
		BackoffBase:   cfg.Pipeline.BackoffBase,
		Columnar:      columnar,
		PrimePages:    cfg.Pipeline.PrimePages,
		DetectRegions: detect,
	})
	return renderer, coordinator, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
