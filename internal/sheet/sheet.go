// Package sheet fills the weekly report template with computed rows.
package sheet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"workreport/internal/config"
	"workreport/internal/domain"
	"workreport/internal/layout"
)

// ErrTemplateMissing is returned when the template file does not exist.
var ErrTemplateMissing = errors.New("spreadsheet template not found")

// defaultColWidth is excelize's width for columns the template leaves unset.
const defaultColWidth = 9.140625

type Layout struct {
	Sheet           string
	TitleColumn     string
	TitleRow        int
	TaskStartRow    int
	TaskCapacity    int
	ProblemStartRow int
	ProblemCapacity int
	DetailColumn    string
	FontSize        float64
}

func LayoutFromConfig(t config.TemplateConfig) Layout {
	return Layout{
		Sheet:           t.Sheet,
		TitleColumn:     t.TitleColumn,
		TitleRow:        t.TitleRow,
		TaskStartRow:    t.TaskStartRow,
		TaskCapacity:    t.TaskCapacity,
		ProblemStartRow: t.ProblemStartRow,
		ProblemCapacity: t.ProblemCapacity,
		DetailColumn:    t.DetailColumn,
		FontSize:        t.FontSize,
	}
}

// Input is everything the writer needs from a generated report.
type Input struct {
	Title    string
	Tasks    []domain.TaskRow
	Problems []domain.ProblemRow
}

type Writer struct {
	TemplatePath string
	Layout       Layout
	Log          zerolog.Logger
}

func NewWriter(t config.TemplateConfig, log zerolog.Logger) Writer {
	return Writer{TemplatePath: t.Path, Layout: LayoutFromConfig(t), Log: log}
}

// Write copies the template to path with the title and rows filled in. Rows
// beyond a section's capacity are inserted, pushing later content down.
func (w Writer) Write(path string, in Input) error {
	if _, err := os.Stat(w.TemplatePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrTemplateMissing, w.TemplatePath)
		}
		return err
	}
	f, err := excelize.OpenFile(w.TemplatePath)
	if err != nil {
		return fmt.Errorf("open template: %w", err)
	}
	defer f.Close()

	sheet := w.Layout.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return fmt.Errorf("template has no sheet %q", sheet)
	}
	titleCell, err := excelize.JoinCellName(w.Layout.TitleColumn, w.Layout.TitleRow)
	if err != nil {
		return fmt.Errorf("title cell: %w", err)
	}
	if err := f.SetCellValue(sheet, titleCell, in.Title); err != nil {
		return fmt.Errorf("set title: %w", err)
	}

	taskExtra := extraRows(len(in.Tasks), w.Layout.TaskCapacity)
	if taskExtra > 0 {
		if err := f.InsertRows(sheet, w.Layout.TaskStartRow+w.Layout.TaskCapacity, taskExtra); err != nil {
			return fmt.Errorf("insert task rows: %w", err)
		}
	}
	problemStart := w.Layout.ProblemStartRow + taskExtra
	if extra := extraRows(len(in.Problems), w.Layout.ProblemCapacity); extra > 0 {
		if err := f.InsertRows(sheet, problemStart+w.Layout.ProblemCapacity, extra); err != nil {
			return fmt.Errorf("insert problem rows: %w", err)
		}
	}

	st, err := newStyles(f, w.Layout.FontSize)
	if err != nil {
		return err
	}
	detailCol, err := excelize.ColumnNameToNumber(w.Layout.DetailColumn)
	if err != nil {
		return fmt.Errorf("detail column: %w", err)
	}
	width, err := f.GetColWidth(sheet, w.Layout.DetailColumn)
	if err != nil || width <= 0 {
		width = defaultColWidth
	}

	for i, t := range in.Tasks {
		row := w.Layout.TaskStartRow + i
		values := []any{t.Seq, t.Label, t.Detail, t.StartDate, t.EndDate, t.Owner, t.Collaborators, t.Progress, t.Note}
		if err := writeRow(f, sheet, row, values, st, detailCol); err != nil {
			return fmt.Errorf("task row %d: %w", t.Seq, err)
		}
		if err := f.SetRowHeight(sheet, row, layout.EstimateHeight(t.Detail, width, w.Layout.FontSize)); err != nil {
			return err
		}
	}
	for i, p := range in.Problems {
		row := problemStart + i
		values := []any{p.Seq, p.Category, p.Description, p.RaisedDate, p.Resolution, p.ResolvedDate}
		if err := writeRow(f, sheet, row, values, st, detailCol); err != nil {
			return fmt.Errorf("problem row %d: %w", p.Seq, err)
		}
		if err := f.SetRowHeight(sheet, row, layout.EstimateHeight(p.Description, width, w.Layout.FontSize)); err != nil {
			return err
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	w.Log.Info().Str("path", path).Int("tasks", len(in.Tasks)).Int("problems", len(in.Problems)).Msg("report written")
	return nil
}

func extraRows(n, capacity int) int {
	if n > capacity {
		return n - capacity
	}
	return 0
}

type styles struct {
	cell   int
	detail int
}

func newStyles(f *excelize.File, fontSize float64) (styles, error) {
	base := func(indent int) *excelize.Style {
		return &excelize.Style{
			Border: []excelize.Border{
				{Type: "left", Color: "000000", Style: 1},
				{Type: "top", Color: "000000", Style: 1},
				{Type: "right", Color: "000000", Style: 1},
				{Type: "bottom", Color: "000000", Style: 1},
			},
			Fill:      excelize.Fill{Type: "pattern", Color: []string{"FFFFFF"}, Pattern: 1},
			Font:      &excelize.Font{Size: fontSize},
			Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "top", WrapText: true, Indent: indent},
		}
	}
	cell, err := f.NewStyle(base(0))
	if err != nil {
		return styles{}, fmt.Errorf("cell style: %w", err)
	}
	detail, err := f.NewStyle(base(1))
	if err != nil {
		return styles{}, fmt.Errorf("detail style: %w", err)
	}
	return styles{cell: cell, detail: detail}, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any, st styles, detailCol int) error {
	for i, v := range values {
		col := i + 1
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
		style := st.cell
		if col == detailCol {
			style = st.detail
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}
