package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pagelift/docextract/internal/common"
	"github.com/pagelift/docextract/internal/llm/openai"
	"github.com/pagelift/docextract/internal/template"
)

func newMatchCmd() *cobra.Command {
	var pages int
	var templatesPath string
	cmd := &cobra.Command{
		Use:   "match <document.pdf>",
		Short: "Extract a document and name the template its fields match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			organizer, pageCount, err := buildOrganizer(cmd, args[0], pages, templatesPath)
			if err != nil {
				return err
			}
			match, record, warnings, err := organizer.MatchFields(cmd.Context(), args[0], pageCount)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"match":    match,
				"record":   record,
				"warnings": warnings,
				"usage":    record.Usage,
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "page count override (0 = probe the document)")
	cmd.Flags().StringVar(&templatesPath, "templates", "templates.yaml", "template definitions file")
	return cmd
}

func newReorganizeCmd() *cobra.Command {
	var pages int
	var templatesPath string
	cmd := &cobra.Command{
		Use:   "reorganize <document.pdf> <template>",
		Short: "Extract a document and reshape the record into a named template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			organizer, pageCount, err := buildOrganizer(cmd, args[0], pages, templatesPath)
			if err != nil {
				return err
			}
			out, err := organizer.Reorganize(cmd.Context(), args[0], pageCount, args[1])
			if err != nil {
				return err
			}
			payload := map[string]any{
				"record":     out.Record,
				"raw":        out.Raw,
				"warnings":   out.Warnings,
				"provenance": out.Provenance,
				"valid":      out.Valid,
				"usage":      out.Record.Usage,
			}
			if out.ValidationError != "" {
				payload["validation_error"] = out.ValidationError
			}
			return writeJSON(cmd, payload)
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "page count override (0 = probe the document)")
	cmd.Flags().StringVar(&templatesPath, "templates", "templates.yaml", "template definitions file")
	return cmd
}

func buildOrganizer(cmd *cobra.Command, document string, pages int, templatesPath string) (*template.Organizer, int, error) {
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	logger := slog.Default()

	store, err := template.LoadStore(templatesPath)
	if err != nil {
		return nil, 0, err
	}

	renderer, coordinator, err := buildPipeline(cfg, logger, false, false)
	if err != nil {
		return nil, 0, err
	}

	pageCount := pages
	if pageCount <= 0 {
		pageCount, err = renderer.PageCount(cmd.Context(), document)
		if err != nil {
			return nil, 0, common.WrapError(err, "probe page count")
		}
	}

	client := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	return template.NewOrganizer(coordinator, client, store, logger), pageCount, nil
}
