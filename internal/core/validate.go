package core

// validate.go runs declarative per-row validation rules over mapped rows.
// Rules attach (code, message) pairs; a row accumulates every failure and is
// still staged, so ingestion never aborts on row-local problems.

import (
	"fmt"
	"strings"
)

// Row-local error code tokens. Field-specific codes are derived from the
// field name, e.g. REQUIRED_MA_DON_VI.
const (
	codeConversionError  = "CONVERSION_ERROR"
	codeInvalidDateFmt   = "INVALID_DATE_FORMAT"
	codeInvalidDateLogic = "INVALID_DATE_LOGIC"
)

// RequiredCode returns the error code for a missing required field.
func RequiredCode(fieldName string) string {
	return "REQUIRED_" + fieldToken(fieldName)
}

// LengthCode returns the error code for an over-long field value.
func LengthCode(fieldName string) string {
	return "INVALID_" + fieldToken(fieldName) + "_LENGTH"
}

// ValueCode returns the error code for a domain/enum violation.
func ValueCode(fieldName string) string {
	return "INVALID_" + fieldToken(fieldName) + "_VALUE"
}

// DuplicateCode returns the error code for a natural-key duplicate.
func DuplicateCode(fieldName string) string {
	return "DUPLICATE_" + fieldToken(fieldName)
}

// RowRule inspects a mapped row and may attach error codes to it.
type RowRule func(b *Binder, row *MappedRow)

// Validator runs an ordered rule list over mapped rows.
type Validator struct {
	rules []RowRule
}

// NewValidator builds the standard rule set for a descriptor (required,
// type/format, length, enum) followed by any extra migration-specific rules
// such as date-logic checks.
func NewValidator(desc *Descriptor, extra ...RowRule) *Validator {
	rules := []RowRule{fieldRules(desc)}
	rules = append(rules, extra...)
	return &Validator{rules: rules}
}

// Validate runs every rule against the row in order.
func (v *Validator) Validate(b *Binder, row *MappedRow) {
	for _, rule := range v.rules {
		rule(b, row)
	}
}

// fieldRules covers the per-field checks declared by the descriptor.
func fieldRules(desc *Descriptor) RowRule {
	return func(b *Binder, row *MappedRow) {
		for i, f := range desc.fields {
			val := ""
			if i < len(row.Values) {
				val = row.Values[i]
			}

			if val == "" {
				if f.Required {
					row.AddError(RequiredCode(f.Name), fmt.Sprintf("%s is required", f.Column))
				}
				continue
			}

			if f.MaxLen > 0 && len([]rune(val)) > f.MaxLen {
				row.AddError(LengthCode(f.Name),
					fmt.Sprintf("%s exceeds %d characters", f.Column, f.MaxLen))
			}

			switch f.Type {
			case FieldDate:
				if _, err := NormalizeDate(val); err != nil {
					row.AddError(codeInvalidDateFmt,
						fmt.Sprintf("%s: unrecognized date %q", f.Column, val))
				}
			case FieldNumeric:
				if _, err := NormalizeNumeric(val); err != nil {
					row.AddError(ValueCode(f.Name),
						fmt.Sprintf("%s: invalid number %q", f.Column, val))
				}
			case FieldBool:
				if _, err := NormalizeBool(val); err != nil {
					row.AddError(ValueCode(f.Name),
						fmt.Sprintf("%s: invalid boolean %q", f.Column, val))
				}
			case FieldEnum:
				if !enumAllowed(val, f.EnumValues) {
					row.AddError(ValueCode(f.Name),
						fmt.Sprintf("%s: %q must be one of %s", f.Column, val,
							strings.Join(f.EnumValues, ", ")))
				}
			}
		}
	}
}

func enumAllowed(val string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, val) {
			return true
		}
	}
	return false
}

// DateOrderRule checks that the end-date field does not precede the
// start-date field. Both must be present and parseable for the rule to fire;
// format problems are reported by the field rules instead.
func DateOrderRule(startField, endField string) RowRule {
	return func(b *Binder, row *MappedRow) {
		start := b.Value(row, startField)
		end := b.Value(row, endField)
		if start == "" || end == "" {
			return
		}
		s, err1 := NormalizeDate(start)
		e, err2 := NormalizeDate(end)
		if err1 != nil || err2 != nil {
			return
		}
		// ISO strings compare lexically.
		if e < s {
			row.AddError(codeInvalidDateLogic,
				fmt.Sprintf("%s (%s) precedes %s (%s)", endField, e, startField, s))
		}
	}
}
