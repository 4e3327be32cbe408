package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pagelift/docextract/internal/pipeline"
)

// Service turns an extracted DocumentRecord into XLSX bytes: one sheet for
// the sections in key order, one for the per-page warnings.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

var reKeyPage = regexp.MustCompile(`^(.*)_page_(\d+)$`)

// RecordXLSX returns an XLSX workbook for the record. Composite values are
// rendered as compact JSON so nothing gets flattened away.
func (s *Service) RecordXLSX(record pipeline.DocumentRecord, warnings []pipeline.Warning) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Sections"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	write := func(sheet string, col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}

	headers := []string{"Field", "Page", "Value"}
	for i, h := range headers {
		write(sheet, i+1, 1, h)
	}

	row := 2
	for _, key := range record.KeyOrder {
		field, page := splitPageSuffix(key)
		write(sheet, 1, row, field)
		write(sheet, 2, row, page)
		write(sheet, 3, row, renderValue(record.Sections[key]))
		row++
	}

	const warnSheet = "Warnings"
	if _, err := f.NewSheet(warnSheet); err != nil {
		return nil, err
	}
	for i, h := range []string{"Page", "Failed Stage", "Retries", "Error"} {
		write(warnSheet, i+1, 1, h)
	}
	for i, w := range warnings {
		write(warnSheet, 1, i+2, w.PageIndex+1)
		write(warnSheet, 2, i+2, string(w.FailedStage))
		write(warnSheet, 3, i+2, w.RetryCount)
		write(warnSheet, 4, i+2, truncate(w.Error, 240))
	}

	_ = f.SetColWidth(sheet, "A", "A", 28)
	_ = f.SetColWidth(sheet, "B", "B", 8)
	_ = f.SetColWidth(sheet, "C", "C", 64)
	_ = f.SetColWidth(warnSheet, "D", "D", 64)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"fields", len(record.KeyOrder),
		"warnings", len(warnings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// splitPageSuffix undoes the aggregator's collision namespacing for
// display: "total_page_2" -> ("total", "2").
func splitPageSuffix(key string) (string, string) {
	if m := reKeyPage.FindStringSubmatch(key); m != nil {
		if _, err := strconv.Atoi(m[2]); err == nil {
			return m[1], m[2]
		}
	}
	return key, ""
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
