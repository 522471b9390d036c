package fields

import (
	"strings"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// ResolvedField is the derived state of a field for a given set of values.
type ResolvedField struct {
	ID       string               `json:"id"`
	SignerID string               `json:"signer_id,omitempty"`
	Type     interfaces.FieldType `json:"type"`
	Value    string               `json:"value"`
	Visible  bool                 `json:"visible"`
	Required bool                 `json:"required"`
}

// Resolve derives value, visibility and requirement for every field.
//
// Values in current take precedence over values stored on the fields. Linked
// group members without a value inherit the first filled value of their
// group. Calculated fields are then evaluated in declaration order, and
// finally conditional rules are applied in declaration order on top of
// visible=true and required=field.Required. Resolve does not mutate fields.
func Resolve(fields []*interfaces.Field, current map[string]string) []ResolvedField {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f.ID] = f.Value
	}
	for id, v := range current {
		values[id] = v
	}

	propagateLinkedGroups(fields, values)

	for _, f := range fields {
		if f.Type == interfaces.FieldCalculated && f.Formula != "" {
			values[f.ID] = FormatNumber(EvaluateFormula(f.Formula, values))
		}
	}

	resolved := make([]ResolvedField, 0, len(fields))
	for _, f := range fields {
		visible, required := true, f.Required
		for _, rule := range f.Conditions {
			if !Compare(rule.Operator, values[rule.FieldID], rule.Value) {
				continue
			}
			switch rule.Action {
			case interfaces.ActionShow:
				visible = true
			case interfaces.ActionHide:
				visible = false
			case interfaces.ActionRequire:
				required = true
			}
		}
		resolved = append(resolved, ResolvedField{
			ID:       f.ID,
			SignerID: f.SignerID,
			Type:     f.Type,
			Value:    values[f.ID],
			Visible:  visible,
			Required: required,
		})
	}
	return resolved
}

func propagateLinkedGroups(fields []*interfaces.Field, values map[string]string) {
	groupValue := map[string]string{}
	for _, f := range fields {
		if f.LinkedGroupID == "" {
			continue
		}
		if _, ok := groupValue[f.LinkedGroupID]; ok {
			continue
		}
		if v := values[f.ID]; v != "" {
			groupValue[f.LinkedGroupID] = v
		}
	}
	for _, f := range fields {
		if f.LinkedGroupID == "" || values[f.ID] != "" {
			continue
		}
		if v, ok := groupValue[f.LinkedGroupID]; ok {
			values[f.ID] = v
		}
	}
}

// Compare applies op to a field's actual value and a rule operand. Ordering
// operators compare numerically and are false when either side is not a number.
func Compare(op interfaces.Operator, actual, expected string) bool {
	switch op {
	case interfaces.OpEq:
		return equalValues(actual, expected)
	case interfaces.OpNeq:
		return !equalValues(actual, expected)
	case interfaces.OpGt, interfaces.OpLt:
		a, ok := ParseNumber(actual)
		if !ok {
			return false
		}
		b, ok := ParseNumber(expected)
		if !ok {
			return false
		}
		if op == interfaces.OpGt {
			return a > b
		}
		return a < b
	case interfaces.OpContains:
		return strings.Contains(actual, expected)
	case interfaces.OpEmpty:
		return strings.TrimSpace(actual) == ""
	default:
		return false
	}
}

func equalValues(a, b string) bool {
	if a == b {
		return true
	}
	x, okA := ParseNumber(a)
	y, okB := ParseNumber(b)
	return okA && okB && x == y
}

// CheckRequired returns the ids of visible required fields that have no value.
// An empty signerID checks every field.
func CheckRequired(resolved []ResolvedField, signerID string) []string {
	var missing []string
	for _, f := range resolved {
		if signerID != "" && f.SignerID != signerID {
			continue
		}
		if f.Visible && f.Required && strings.TrimSpace(f.Value) == "" {
			missing = append(missing, f.ID)
		}
	}
	return missing
}

// ValidOperator reports whether op is a known comparison operator.
func ValidOperator(op interfaces.Operator) bool {
	switch op {
	case interfaces.OpEq, interfaces.OpNeq, interfaces.OpGt, interfaces.OpLt, interfaces.OpContains, interfaces.OpEmpty:
		return true
	default:
		return false
	}
}
