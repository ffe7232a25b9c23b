package sheet

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"workreport/internal/config"
	"workreport/internal/domain"
	"workreport/internal/layout"
)

func newTemplate(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetColWidth("Sheet1", "C", "C", 40))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", "No."))
	require.NoError(t, f.SetCellValue("Sheet1", "A11", "Problems"))
	require.NoError(t, f.SetCellValue("Sheet1", "A20", "Footer"))
	path := filepath.Join(t.TempDir(), "template.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func newTestWriter(t *testing.T) Writer {
	tc := config.Default().Template
	tc.Path = newTemplate(t)
	return NewWriter(tc, zerolog.Nop())
}

func taskRows(n int) []domain.TaskRow {
	rows := make([]domain.TaskRow, n)
	for i := range rows {
		rows[i] = domain.TaskRow{
			Seq:           i + 1,
			Label:         "[app] login",
			Detail:        "login flow\nKey changes:\n• form",
			StartDate:     "2024-01-01",
			EndDate:       "2024-01-02",
			Owner:         "Ada",
			Collaborators: domain.NoneSentinel,
			Progress:      domain.ProgressDone,
		}
	}
	return rows
}

func openResult(t *testing.T, path string) *excelize.File {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func cell(t *testing.T, f *excelize.File, ref string) string {
	t.Helper()
	v, err := f.GetCellValue("Sheet1", ref)
	require.NoError(t, err)
	return v
}

func TestWriteFillsTemplate(t *testing.T) {
	w := newTestWriter(t)
	out := filepath.Join(t.TempDir(), "output", "report.xlsx")
	in := Input{
		Title: "Ada 2024 01/01-01/05 Weekly Report",
		Tasks: taskRows(2),
		Problems: []domain.ProblemRow{
			{Seq: 1, Category: "bug fix", Description: "[app] crash", RaisedDate: "2024-01-02", Resolution: "fix login crash", ResolvedDate: "2024-01-02"},
		},
	}
	require.NoError(t, w.Write(out, in))

	f := openResult(t, out)
	assert.Equal(t, in.Title, cell(t, f, "A1"))
	assert.Equal(t, "1", cell(t, f, "A4"))
	assert.Equal(t, "[app] login", cell(t, f, "B4"))
	assert.Equal(t, "login flow\nKey changes:\n• form", cell(t, f, "C4"))
	assert.Equal(t, "2024-01-01", cell(t, f, "D4"))
	assert.Equal(t, "100%", cell(t, f, "H4"))
	assert.Equal(t, "2", cell(t, f, "A5"))
	assert.Equal(t, "", cell(t, f, "A6"))
	assert.Equal(t, "bug fix", cell(t, f, "B12"))
	assert.Equal(t, "fix login crash", cell(t, f, "E12"))
	assert.Equal(t, "Footer", cell(t, f, "A20"))

	h, err := f.GetRowHeight("Sheet1", 4)
	require.NoError(t, err)
	assert.InDelta(t, layout.EstimateHeight(in.Tasks[0].Detail, 40, 11), h, 0.01)
}

func TestWriteInsertsRowsBeyondCapacity(t *testing.T) {
	w := newTestWriter(t)
	out := filepath.Join(t.TempDir(), "report.xlsx")
	problems := make([]domain.ProblemRow, 7)
	for i := range problems {
		problems[i] = domain.ProblemRow{Seq: i + 1, Category: "bug fix", Description: "p"}
	}
	require.NoError(t, w.Write(out, Input{Title: "t", Tasks: taskRows(6), Problems: problems}))

	f := openResult(t, out)
	assert.Equal(t, "6", cell(t, f, "A9"))
	// problem section header and start shift down by the two extra task rows
	assert.Equal(t, "Problems", cell(t, f, "A13"))
	assert.Equal(t, "1", cell(t, f, "A14"))
	assert.Equal(t, "7", cell(t, f, "A20"))
	// footer shifts by two task rows plus two problem rows
	assert.Equal(t, "Footer", cell(t, f, "A24"))
}

func TestWriteTemplateMissing(t *testing.T) {
	tc := config.Default().Template
	tc.Path = filepath.Join(t.TempDir(), "missing.xlsx")
	err := NewWriter(tc, zerolog.Nop()).Write(filepath.Join(t.TempDir(), "out.xlsx"), Input{})
	assert.ErrorIs(t, err, ErrTemplateMissing)
}

func TestWriteTitlePosition(t *testing.T) {
	w := newTestWriter(t)
	w.Layout.TitleColumn = "B"
	w.Layout.TitleRow = 2
	out := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, w.Write(out, Input{Title: "Weekly", Tasks: taskRows(1)}))

	f, err := excelize.OpenFile(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, "Weekly", cell(t, f, "B2"))
	assert.Equal(t, "", cell(t, f, "A1"))
}

func TestWriteUnknownSheet(t *testing.T) {
	w := newTestWriter(t)
	w.Layout.Sheet = "Weekly"
	err := w.Write(filepath.Join(t.TempDir(), "out.xlsx"), Input{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Weekly"))
}
