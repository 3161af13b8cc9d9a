package core

// coerce.go provides value normalization for mapped cells and conversion to
// PostgreSQL types for the apply phase.
//
// These functions handle the messy reality of user-authored spreadsheets:
//   - numeric identifier codes rendered in scientific notation
//   - multiple date formats (ISO, dd/MM/yyyy, dotted and dashed variants)
//   - various boolean spellings (yes/no, true/false, 1/0)
//   - formula prefixes and stray quotes around cell text
//
// All ToPg* functions return pgtype values with Valid=false for empty or
// invalid input, letting the database receive NULLs.

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// identifierNameHints classify a text field as an identifier by name alone:
// national ids, phone and tax numbers, account and unit codes.
var identifierNameHints = []string{
	"cmnd", "cccd", "passport", "phone", "dienthoai", "tax", "mst",
	"code", "identity", "account",
}

var (
	// scientificRegex matches a scientific-notation number with an optional
	// fractional mantissa, e.g. 1.234567E+11.
	scientificRegex = regexp.MustCompile(`^([+-]?)(\d+)(?:\.(\d+))?[eE]([+-]?\d+)$`)

	// digitsRegex matches a plain digit string (leading zeros allowed).
	digitsRegex = regexp.MustCompile(`^\d+$`)

	// numericRegex validates integers, decimals and scientific notation.
	numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
)

// dateLayouts are accepted input formats, ISO first. Day-before-month
// variants follow the source system's convention.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2-1-2006",
	"02.01.2006",
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, a formula prefix (="..."), and stray quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// IsIdentifierName reports whether a field name alone marks it as an
// identifier (contains cmnd, cccd, phone, tax, code, ...).
func IsIdentifierName(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range identifierNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// IsIdentifierValue reports whether a raw value looks like a numeric code
// that must be preserved byte-for-byte: scientific notation with an integral
// expansion of at least 10 significant digits.
func IsIdentifierValue(s string) bool {
	if !scientificRegex.MatchString(s) {
		return false
	}
	expanded, err := expandScientific(s)
	if err != nil {
		return false
	}
	return len(strings.TrimLeft(expanded, "-")) >= 10
}

// NormalizeIdentifier canonicalizes an identifier value. Plain digit strings
// pass through untouched (leading zeros preserved); scientific notation is
// expanded textually to the full integer string, never via float formatting,
// so no digits are invented or lost.
func NormalizeIdentifier(s string) (string, error) {
	if digitsRegex.MatchString(s) {
		return s, nil
	}
	if scientificRegex.MatchString(s) {
		return expandScientific(s)
	}
	// Not numeric at all: passports and mixed codes stay as-is.
	return s, nil
}

// expandScientific expands "1.234567E+11" to "123456700000" by shifting the
// decimal point over the mantissa digits.
func expandScientific(s string) (string, error) {
	m := scientificRegex.FindStringSubmatch(s)
	if m == nil {
		return "", fmt.Errorf("not scientific notation: %q", s)
	}
	sign, intPart, fracPart, expPart := m[1], m[2], m[3], m[4]

	exp := 0
	negExp := strings.HasPrefix(expPart, "-")
	for _, r := range strings.TrimLeft(expPart, "+-") {
		exp = exp*10 + int(r-'0')
	}
	if negExp {
		exp = -exp
	}

	shift := exp - len(fracPart)
	if shift < 0 {
		return "", fmt.Errorf("fractional identifier value: %q", s)
	}

	digits := strings.TrimLeft(intPart+fracPart, "0")
	if digits == "" {
		digits = "0"
	}
	digits += strings.Repeat("0", shift)

	if sign == "-" {
		digits = "-" + digits
	}
	return digits, nil
}

// NormalizeDate parses an accepted date layout and returns ISO YYYY-MM-DD.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}

// NormalizeNumeric validates a numeric value. Thousand separators are
// rejected; "." is the decimal point; empty maps to empty (NULL downstream).
func NormalizeNumeric(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, ",") {
		return "", fmt.Errorf("thousand separators not allowed: %q", s)
	}
	if !numericRegex.MatchString(s) {
		return "", fmt.Errorf("invalid number %q", s)
	}
	return s, nil
}

// NormalizeBool canonicalizes boolean spellings to "true"/"false".
func NormalizeBool(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return "true", nil
	case "false", "0", "no":
		return "false", nil
	}
	return "", fmt.Errorf("invalid boolean %q", s)
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid for empty input so the column becomes NULL.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a normalized or raw date string to pgtype.Date.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{Valid: false}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: t, Valid: true}
		}
	}
	return pgtype.Date{Valid: false}
}

// ToPgNumeric converts a numeric string to pgtype.Numeric.
func ToPgNumeric(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if s == "" || !numericRegex.MatchString(s) {
		return pgtype.Numeric{Valid: false}
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{Valid: false}
	}
	return n
}

// ToPgBool converts a boolean string to pgtype.Bool.
func ToPgBool(s string) pgtype.Bool {
	v, err := NormalizeBool(s)
	if err != nil {
		return pgtype.Bool{Valid: false}
	}
	return pgtype.Bool{Bool: v == "true", Valid: true}
}
