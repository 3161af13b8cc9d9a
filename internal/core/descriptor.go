package core

// descriptor.go implements the compiled field-binding table for a row type.
// Bindings are declared once per migration (internal/schema), validated by
// NewDescriptor at startup, and bound to a concrete sheet header by Bind.
// The hot path (Binder.Map) is indexed slice access only.

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FieldType is the declared data type of a bound field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldIdentifier
	FieldDate
	FieldNumeric
	FieldBool
	FieldEnum
)

// FieldBinding declares how one field of the row type binds to a source
// column and how its value is normalized and validated.
type FieldBinding struct {
	// Name is the field name in lowerCamel, e.g. "maDonVi". It derives the
	// staging column (ma_don_vi) and the error code token (MA_DON_VI).
	Name string

	// Column is the expected header text, matched exactly first and then by
	// normalized form (diacritics stripped, whitespace collapsed, lowercased).
	Column string

	// Position is the fallback column letter ("A", "AB") used when no header
	// matches. Empty means no positional fallback.
	Position string

	// DBColumn overrides the derived staging column name.
	DBColumn string

	Type     FieldType
	Required bool
	MaxLen   int

	// Key marks the field as part of the natural key used for duplicate
	// detection and apply-phase conflict handling.
	Key bool

	// EnumValues restricts FieldEnum values (case-insensitive).
	EnumValues []string
}

// Descriptor is the compiled binding table for one row type.
type Descriptor struct {
	fields []FieldBinding
	byName map[string]int
}

// NewDescriptor compiles and validates a binding list. It rejects duplicate
// field names, duplicate normalized header columns (which would make the
// fallback match ambiguous) and malformed position letters.
func NewDescriptor(fields []FieldBinding) (*Descriptor, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("descriptor: no field bindings")
	}

	byName := make(map[string]int, len(fields))
	normCols := make(map[string]string, len(fields))

	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("descriptor: field %d has no name", i)
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("descriptor: duplicate field name %q", f.Name)
		}
		byName[f.Name] = i

		if f.Column == "" {
			f.Column = f.Name
		}
		nc := NormalizeHeader(f.Column)
		if prev, dup := normCols[nc]; dup {
			return nil, fmt.Errorf("descriptor: columns %q and %q collapse to the same normalized header %q",
				prev, f.Column, nc)
		}
		normCols[nc] = f.Column

		if f.Position != "" {
			if _, err := columnLetterToIndex(f.Position); err != nil {
				return nil, fmt.Errorf("descriptor: field %q: %w", f.Name, err)
			}
		}
		if f.DBColumn == "" {
			f.DBColumn = camelToSnake(f.Name)
		}
		if f.Type == FieldEnum && len(f.EnumValues) == 0 {
			return nil, fmt.Errorf("descriptor: enum field %q has no values", f.Name)
		}
		// Text fields whose name marks them as codes (cmnd, phone, tax, ...)
		// are promoted so their values are preserved byte-for-byte.
		if f.Type == FieldText && IsIdentifierName(f.Name) {
			f.Type = FieldIdentifier
		}
	}

	return &Descriptor{fields: fields, byName: byName}, nil
}

// MustDescriptor compiles bindings and panics on error.
// Use only in package-level migration declarations.
func MustDescriptor(fields []FieldBinding) *Descriptor {
	d, err := NewDescriptor(fields)
	if err != nil {
		panic(err)
	}
	return d
}

// Fields returns the compiled bindings in declaration order.
func (d *Descriptor) Fields() []FieldBinding { return d.fields }

// Columns returns the staging column names in declaration order.
func (d *Descriptor) Columns() []string {
	cols := make([]string, len(d.fields))
	for i, f := range d.fields {
		cols[i] = f.DBColumn
	}
	return cols
}

// Headers returns the declared header texts in declaration order.
// Used as the column row of generated error spreadsheets.
func (d *Descriptor) Headers() []string {
	hs := make([]string, len(d.fields))
	for i, f := range d.fields {
		hs[i] = f.Column
	}
	return hs
}

// KeyFieldNames returns the field names forming the natural key.
func (d *Descriptor) KeyFieldNames() []string {
	var names []string
	for _, f := range d.fields {
		if f.Key {
			names = append(names, f.Name)
		}
	}
	return names
}

// KeyColumns returns the staging columns forming the natural key.
func (d *Descriptor) KeyColumns() []string {
	var cols []string
	for _, f := range d.fields {
		if f.Key {
			cols = append(cols, f.DBColumn)
		}
	}
	return cols
}

// FieldIndex returns the position of a field by name, or -1.
func (d *Descriptor) FieldIndex(name string) int {
	if i, ok := d.byName[name]; ok {
		return i
	}
	return -1
}

// Binder is a Descriptor bound to one concrete sheet header.
// index[i] is the source column of field i, or -1 when the column is absent
// (the value reads as empty and surfaces as a validation error if required).
type Binder struct {
	desc  *Descriptor
	index []int
}

// Bind resolves each field to a source column. Precedence per field:
// exact header match, then normalized header match, then declared position.
// Two source headers collapsing to the same normalized form make the
// fallback ambiguous and bind fails rather than picking silently.
func (d *Descriptor) Bind(header []string) (*Binder, error) {
	exact := make(map[string]int, len(header))
	normalized := make(map[string]int, len(header))
	ambiguous := make(map[string][]string)

	for i, h := range header {
		h = CleanCell(h)
		if _, dup := exact[h]; !dup {
			exact[h] = i
		}
		nh := NormalizeHeader(h)
		if nh == "" {
			continue
		}
		if _, dup := normalized[nh]; dup {
			ambiguous[nh] = append(ambiguous[nh], h)
		} else {
			normalized[nh] = i
		}
	}

	index := make([]int, len(d.fields))
	for i, f := range d.fields {
		index[i] = -1

		if col, ok := exact[f.Column]; ok {
			index[i] = col
			continue
		}

		nc := NormalizeHeader(f.Column)
		if others, amb := ambiguous[nc]; amb {
			return nil, Errorf(CodeHeaderAmbiguous,
				"field %q: headers %q collapse to the same normalized form", f.Name, others)
		}
		if col, ok := normalized[nc]; ok {
			index[i] = col
			continue
		}

		if f.Position != "" {
			col, err := columnLetterToIndex(f.Position)
			if err == nil && col < len(header) {
				index[i] = col
			}
		}
	}

	return &Binder{desc: d, index: index}, nil
}

// Descriptor returns the descriptor this binder was built from.
func (b *Binder) Descriptor() *Descriptor { return b.desc }

// MappedRow is one source row bound to the row type. Values align with the
// descriptor's fields; codes and messages accumulate validation errors.
type MappedRow struct {
	Number   int
	Values   []string
	Codes    []string
	Messages []string
}

// AddError attaches one (code, message) pair to the row.
func (r *MappedRow) AddError(code, message string) {
	r.Codes = append(r.Codes, code)
	r.Messages = append(r.Messages, message)
}

// ErrorCode returns the comma-joined error codes, empty when valid.
func (r *MappedRow) ErrorCode() string { return strings.Join(r.Codes, ",") }

// ErrorMessage returns the "; "-joined messages, empty when valid.
func (r *MappedRow) ErrorMessage() string { return strings.Join(r.Messages, "; ") }

// Valid reports whether no error has been attached.
func (r *MappedRow) Valid() bool { return len(r.Codes) == 0 }

// Map binds one source row to the row type and normalizes each value:
// cells are cleaned, identifier fields have scientific notation expanded so
// numeric codes survive byte-for-byte, dates are canonicalized to ISO when
// parseable, booleans to true/false. Unparseable values are left raw for the
// validator; only irrecoverable coercions attach CONVERSION_ERROR here.
func (b *Binder) Map(row SourceRow) MappedRow {
	m := MappedRow{Number: row.Number, Values: make([]string, len(b.desc.fields))}

	for i, f := range b.desc.fields {
		col := b.index[i]
		if col < 0 || col >= len(row.Cells) {
			continue
		}
		raw := CleanCell(row.Cells[col])
		if raw == "" {
			continue
		}

		switch {
		case f.Type == FieldIdentifier || (f.Type == FieldText && IsIdentifierValue(raw)):
			v, err := NormalizeIdentifier(raw)
			if err != nil {
				m.Values[i] = raw
				m.AddError(codeConversionError, fmt.Sprintf("%s: %v", f.Column, err))
				continue
			}
			m.Values[i] = v

		case f.Type == FieldDate:
			if iso, err := NormalizeDate(raw); err == nil {
				m.Values[i] = iso
			} else {
				m.Values[i] = raw
			}

		case f.Type == FieldBool:
			if v, err := NormalizeBool(raw); err == nil {
				m.Values[i] = v
			} else {
				m.Values[i] = raw
			}

		default:
			m.Values[i] = raw
		}
	}

	return m
}

// Value returns the mapped value of a field by name, or "".
func (b *Binder) Value(m *MappedRow, field string) string {
	i := b.desc.FieldIndex(field)
	if i < 0 || i >= len(m.Values) {
		return ""
	}
	return m.Values[i]
}

// NormalizeHeader strips diacritics, collapses internal whitespace and
// lowercases, so "Mã  Đơn Vị" and "ma don vi" compare equal.
func NormalizeHeader(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// NFD + strip combining marks removes Latin diacritics. The Vietnamese
	// đ/Đ does not decompose and is mapped by hand.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	s = strings.NewReplacer("đ", "d", "Đ", "D").Replace(s)

	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// columnLetterToIndex converts "A" -> 0, "Z" -> 25, "AA" -> 26.
func columnLetterToIndex(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty column letter")
	}
	n := 0
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("invalid column letter %q", s)
		}
		n = n*26 + int(r-'A') + 1
	}
	return n - 1, nil
}

// camelToSnake converts "maDonVi" to "ma_don_vi".
func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fieldToken converts "maDonVi" to "MA_DON_VI" for error code suffixes.
func fieldToken(name string) string {
	return strings.ToUpper(camelToSnake(name))
}
