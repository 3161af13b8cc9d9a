// Package xlsx adapts excelize workbooks to the pipeline's Source contract
// and renders error-report workbooks. Reading is streaming throughout: rows
// are pulled through the excelize row iterator, never materialized as a
// whole sheet.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/nvqhuy/xlsmigrate/internal/core"
)

// Reader streams the first sheet of an xlsx workbook.
type Reader struct {
	f     *excelize.File
	sheet string
	// dateStyles caches, per style id, whether the style's number format
	// renders a calendar date.
	dateStyles map[int]bool
}

// Open opens the workbook at path and targets its first sheet.
// Filesystem problems map to IO_ERROR; anything excelize rejects while
// opening maps to FILE_CORRUPT.
func Open(path string) (core.Source, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, core.Errorf(core.CodeIOError, "open %s: %v", path, err)
		}
		return nil, core.Errorf(core.CodeFileCorrupt, "open %s: %v", path, err)
	}

	sheet := f.GetSheetName(0)
	if sheet == "" {
		f.Close()
		return nil, core.Errorf(core.CodeFileCorrupt, "%s has no sheets", path)
	}
	return &Reader{f: f, sheet: sheet, dateStyles: make(map[int]bool)}, nil
}

// Estimate checks the sheet's declared dimension against the policy without
// parsing row data. A missing or malformed dimension fails closed: the
// estimate stays valid with EstimatedRows == -1 and the streaming row
// counter enforces the ceiling instead.
func (r *Reader) Estimate(policy core.SizePolicy) (core.SizeEstimate, error) {
	dim, err := r.f.GetSheetDimension(r.sheet)
	if err != nil || dim == "" {
		return core.SizeEstimate{Valid: true, EstimatedRows: -1}, nil
	}

	rows, cells, ok := parseDimension(dim)
	if !ok {
		return core.SizeEstimate{Valid: true, EstimatedRows: -1}, nil
	}

	// The header row does not count against the data row ceiling.
	dataRows := rows - 1
	if dataRows < 0 {
		dataRows = 0
	}

	est := core.SizeEstimate{
		Valid:          true,
		EstimatedRows:  dataRows,
		EstimatedCells: cells,
	}
	if policy.MaxRows > 0 && dataRows > int64(policy.MaxRows) {
		est.Valid = false
		est.Reason = fmt.Sprintf("sheet declares %d data rows, limit is %d", dataRows, policy.MaxRows)
	}
	if policy.MaxCells > 0 && cells > int64(policy.MaxCells) {
		est.Valid = false
		est.Reason = fmt.Sprintf("sheet declares %d cells, limit is %d", cells, policy.MaxCells)
	}
	return est, nil
}

// parseDimension extracts row and cell counts from a dimension reference
// like "A1:L50000". A single-cell dimension ("A1") counts as one row.
func parseDimension(dim string) (rows, cells int64, ok bool) {
	parts := strings.Split(dim, ":")
	last := parts[len(parts)-1]

	col, row, err := excelize.CellNameToCoordinates(last)
	if err != nil {
		return 0, 0, false
	}
	return int64(row), int64(row) * int64(col), true
}

// Stream walks the sheet once through the excelize row iterator. The first
// row is the header; data rows are numbered from 1 and padded to the header
// width so downstream code indexes cells without bounds anxiety.
func (r *Reader) Stream(ctx context.Context, batchSize int,
	headerFn func(header []string) error,
	batchFn func(rows []core.SourceRow) error) (int, error) {

	if batchSize <= 0 {
		batchSize = 1000
	}

	iter, err := r.f.Rows(r.sheet)
	if err != nil {
		return 0, core.Errorf(core.CodeFileCorrupt, "sheet %s: %v", r.sheet, err)
	}
	defer iter.Close()

	var header []string
	total := 0
	buf := make([]core.SourceRow, 0, batchSize)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := batchFn(buf); err != nil {
			return err
		}
		buf = make([]core.SourceRow, 0, batchSize)
		return nil
	}

	sheetRow := 0
	for iter.Next() {
		sheetRow++
		if err := ctx.Err(); err != nil {
			return total, err
		}

		// Raw values keep staged text faithful to what the workbook stores;
		// date cells are the one exception, converted below.
		cells, err := iter.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return total, core.Errorf(core.CodeFileCorrupt, "row %d: %v", total+1, err)
		}

		if header == nil {
			header = cells
			if err := headerFn(header); err != nil {
				return 0, err
			}
			continue
		}

		r.convertDates(cells, sheetRow)

		if len(cells) < len(header) {
			padded := make([]string, len(header))
			copy(padded, cells)
			cells = padded
		}

		total++
		buf = append(buf, core.SourceRow{Number: total, Cells: cells})
		if len(buf) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return total, core.Errorf(core.CodeFileCorrupt, "reading rows: %v", err)
	}
	if header == nil {
		return 0, core.Errorf(core.CodeFileCorrupt, "sheet %s is empty", r.sheet)
	}
	return total, flush()
}

// convertDates rewrites date-styled serial cells to ISO dates. Excel stores
// a date cell as a plain serial number plus a date number format, so the raw
// value alone cannot be told apart from a numeric cell; the cell style
// decides. Formatted text is never used here: Excel renders serials with
// locale-dependent, often two-digit-year patterns that a day-first parse
// would reject or transpose.
func (r *Reader) convertDates(cells []string, sheetRow int) {
	for i, cell := range cells {
		if cell == "" {
			continue
		}
		serial, err := strconv.ParseFloat(cell, 64)
		if err != nil || serial <= 0 {
			continue
		}
		ref, err := excelize.CoordinatesToCellName(i+1, sheetRow)
		if err != nil {
			continue
		}
		styleID, err := r.f.GetCellStyle(r.sheet, ref)
		if err != nil || !r.isDateStyle(styleID) {
			continue
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			continue
		}
		cells[i] = t.Format("2006-01-02")
	}
}

func (r *Reader) isDateStyle(styleID int) bool {
	if v, ok := r.dateStyles[styleID]; ok {
		return v
	}
	v := false
	if style, err := r.f.GetStyle(styleID); err == nil && style != nil {
		if style.CustomNumFmt != nil {
			v = customFormatIsDate(*style.CustomNumFmt)
		} else {
			v = builtInDateFormat(style.NumFmt)
		}
	}
	r.dateStyles[styleID] = v
	return v
}

// builtInDateFormat reports whether a built-in number format id renders a
// calendar date. Time-only formats (18-21, 45-47) do not count.
func builtInDateFormat(id int) bool {
	switch {
	case id >= 14 && id <= 17:
		return true
	case id == 22:
		return true
	case id >= 27 && id <= 36:
		return true
	case id >= 50 && id <= 58:
		return true
	}
	return false
}

// customFormatIsDate scans a custom number format for day or year tokens,
// skipping quoted literals, bracketed sections and escaped characters.
func customFormatIsDate(format string) bool {
	inQuote := false
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case inQuote:
			if c == '"' {
				inQuote = false
			}
		case c == '"':
			inQuote = true
		case c == '\\':
			i++
		case c == '[':
			for i < len(format) && format[i] != ']' {
				i++
			}
		case c == 'y' || c == 'Y' || c == 'd' || c == 'D':
			return true
		}
	}
	return false
}

// Close releases the underlying workbook.
func (r *Reader) Close() error {
	return r.f.Close()
}
