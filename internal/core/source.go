package core

// source.go defines the contract between the pipeline and the spreadsheet
// reader. The concrete implementation lives in internal/xlsx; tests use
// in-memory fakes.

import "context"

// SourceRow is one data row emitted by the reader. Number is 1-based within
// the sheet's data rows (the header row is consumed, not emitted). Cells are
// padded to the header width, so missing trailing cells read as "".
type SourceRow struct {
	Number int
	Cells  []string
}

// SizePolicy is the ceiling enforced before any row parsing.
type SizePolicy struct {
	MaxRows  int
	MaxCells int
}

// SizeEstimate is the result of the early dimension check.
// EstimatedRows == -1 means the dimension could not be resolved; the check
// fails closed (Valid stays true) and the streaming row counter takes over.
type SizeEstimate struct {
	Valid          bool
	EstimatedRows  int64
	EstimatedCells int64
	Reason         string
}

// Source is a forward-only view of one sheet of an input workbook.
type Source interface {
	// Estimate inspects the sheet's declared dimension against the policy
	// without parsing row data.
	Estimate(policy SizePolicy) (SizeEstimate, error)

	// Stream walks the sheet once. The first row is consumed as the header
	// and passed to headerFn before any data is emitted; data rows are then
	// passed to batchFn synchronously in buffers of up to batchSize rows,
	// with a final partial buffer flushed at end of sheet. Returns the
	// number of data rows emitted. An error from either callback aborts the
	// walk and is returned unwrapped.
	Stream(ctx context.Context, batchSize int,
		headerFn func(header []string) error,
		batchFn func(rows []SourceRow) error) (total int, err error)

	Close() error
}

// SourceFactory opens the input file at path as a Source.
type SourceFactory func(path string) (Source, error)
