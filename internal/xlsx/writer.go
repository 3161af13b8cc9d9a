package xlsx

// writer.go renders the downloadable error report: the migration's declared
// headers plus errorMessage and errorCode columns, one row per rejected
// source row. Rows go through the excelize stream writer so a large error
// set never sits in memory as cell objects.

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const errorSheet = "Errors"

// ErrorFileWriter builds an error-report workbook row by row.
type ErrorFileWriter struct {
	f      *excelize.File
	sw     *excelize.StreamWriter
	width  int
	nextRw int
}

// NewErrorFileWriter starts a workbook whose header row is the migration's
// declared headers followed by errorMessage and errorCode.
func NewErrorFileWriter(headers []string) (*ErrorFileWriter, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), errorSheet); err != nil {
		f.Close()
		return nil, err
	}
	sw, err := f.NewStreamWriter(errorSheet)
	if err != nil {
		f.Close()
		return nil, err
	}

	row := make([]any, 0, len(headers)+2)
	for _, h := range headers {
		row = append(row, h)
	}
	row = append(row, "errorMessage", "errorCode")

	if err := sw.SetRow("A1", row); err != nil {
		f.Close()
		return nil, err
	}
	return &ErrorFileWriter{f: f, sw: sw, width: len(row), nextRw: 2}, nil
}

// Append writes one rejected row. Missing trailing cells render empty.
func (w *ErrorFileWriter) Append(cells []string, errorMessage, errorCode string) error {
	row := make([]any, w.width)
	for i := 0; i < w.width-2; i++ {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	row[w.width-2] = errorMessage
	row[w.width-1] = errorCode

	cell := fmt.Sprintf("A%d", w.nextRw)
	w.nextRw++
	return w.sw.SetRow(cell, row)
}

// WriteTo flushes the stream and writes the finished workbook.
func (w *ErrorFileWriter) WriteTo(out io.Writer) (int64, error) {
	if err := w.sw.Flush(); err != nil {
		return 0, err
	}
	defer w.f.Close()
	return w.f.WriteTo(out)
}
