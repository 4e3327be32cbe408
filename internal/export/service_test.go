package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pagelift/docextract/internal/pipeline"
)

func TestRecordXLSX(t *testing.T) {
	record := pipeline.DocumentRecord{
		Sections: map[string]any{
			"vendor":       "Acme",
			"total":        12.5,
			"total_page_2": 30.0,
			"paid":         true,
			"items":        []any{map[string]any{"name": "widget"}},
		},
		KeyOrder: []string{"vendor", "total", "total_page_2", "paid", "items"},
	}
	warnings := []pipeline.Warning{
		{PageIndex: 2, Error: "model unreachable", RetryCount: 2, FailedStage: pipeline.StageModel},
	}

	data, err := NewService(nil).RecordXLSX(record, warnings)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Sections")
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"Field", "Page", "Value"}, rows[0][:3])
	assert.Equal(t, "vendor", rows[1][0])
	assert.Equal(t, "Acme", rows[1][2])
	// collision suffix becomes a page column, not part of the field name
	assert.Equal(t, "total_page_2", record.KeyOrder[2])
	assert.Equal(t, "total", rows[3][0])
	assert.Equal(t, "2", rows[3][1])
	assert.Equal(t, "30", rows[3][2])
	// composites are kept as compact JSON
	assert.Equal(t, `[{"name":"widget"}]`, rows[5][2])

	warnRows, err := f.GetRows("Warnings")
	require.NoError(t, err)
	require.Len(t, warnRows, 2)
	assert.Equal(t, "3", warnRows[1][0])
	assert.Equal(t, "model", warnRows[1][1])
	assert.Equal(t, "model unreachable", warnRows[1][3])
}

func TestRecordXLSXEmptyRecord(t *testing.T) {
	data, err := NewService(nil).RecordXLSX(pipeline.DocumentRecord{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestSplitPageSuffix(t *testing.T) {
	field, page := splitPageSuffix("total_page_2")
	assert.Equal(t, "total", field)
	assert.Equal(t, "2", page)

	field, page = splitPageSuffix("vendor")
	assert.Equal(t, "vendor", field)
	assert.Empty(t, page)
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "", renderValue(nil))
	assert.Equal(t, "Acme", renderValue("Acme"))
	assert.Equal(t, "12.5", renderValue(12.5))
	assert.Equal(t, "true", renderValue(true))
	assert.Equal(t, `{"a":1}`, renderValue(map[string]any{"a": 1}))
}
