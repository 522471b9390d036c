package fields

import (
	"testing"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(t interfaces.ValidationType) []interfaces.ValidationRule {
	return []interfaces.ValidationRule{{Type: t}}
}

func TestValidateFieldValue(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		fieldType interfaces.FieldType
		rules     []interfaces.ValidationRule
		valid     bool
	}{
		{"zip9 valid", "10001-1234", interfaces.FieldText, rule(interfaces.ValidateZipCode9), true},
		{"zip9 rejects zip5", "10001", interfaces.FieldText, rule(interfaces.ValidateZipCode9), false},
		{"zip accepts zip5", "10001", interfaces.FieldText, rule(interfaces.ValidateZipCode), true},
		{"zip accepts zip9", "10001-1234", interfaces.FieldText, rule(interfaces.ValidateZipCode), true},
		{"zip rejects letters", "1000A", interfaces.FieldText, rule(interfaces.ValidateZipCode), false},
		{"empty passes every rule", "", interfaces.FieldNumber, rule(interfaces.ValidateSSN), true},
		{"ssn", "123-45-6789", interfaces.FieldText, rule(interfaces.ValidateSSN), true},
		{"ssn without dashes", "123456789", interfaces.FieldText, rule(interfaces.ValidateSSN), false},
		{"phone e164", "+14155552671", interfaces.FieldText, rule(interfaces.ValidatePhone), true},
		{"phone missing plus", "14155552671", interfaces.FieldText, rule(interfaces.ValidatePhone), false},
		{"email rule", "a@b.co", interfaces.FieldText, rule(interfaces.ValidateEmail), true},
		{"email rule invalid", "a@b", interfaces.FieldText, rule(interfaces.ValidateEmail), false},
		{"url", "https://example.com/x", interfaces.FieldText, rule(interfaces.ValidateURL), true},
		{"url without scheme", "example.com", interfaces.FieldText, rule(interfaces.ValidateURL), false},
		{"min length", "abc", interfaces.FieldText, []interfaces.ValidationRule{{Type: interfaces.ValidateMinLength, Length: 4}}, false},
		{"max length counts runes", "ñññ", interfaces.FieldText, []interfaces.ValidationRule{{Type: interfaces.ValidateMaxLength, Length: 3}}, true},
		{"regex", "AB-12", interfaces.FieldText, []interfaces.ValidationRule{{Type: interfaces.ValidateRegex, Pattern: `^[A-Z]{2}-\d{2}$`}}, true},
		{"regex mismatch", "ab-12", interfaces.FieldText, []interfaces.ValidationRule{{Type: interfaces.ValidateRegex, Pattern: `^[A-Z]{2}-\d{2}$`}}, false},
		{"number type", "12.5", interfaces.FieldNumber, nil, true},
		{"number type rejects text", "twelve", interfaces.FieldNumber, nil, false},
		{"currency type", "$1,000.00", interfaces.FieldCurrency, nil, true},
		{"checkbox type", "true", interfaces.FieldCheckbox, nil, true},
		{"checkbox rejects yes", "yes", interfaces.FieldCheckbox, nil, false},
		{"date iso", "2024-02-29", interfaces.FieldDate, nil, true},
		{"date invalid", "2023-02-29", interfaces.FieldDate, nil, false},
		{"rules are additive", "1234", interfaces.FieldNumber, []interfaces.ValidationRule{
			{Type: interfaces.ValidateMinLength, Length: 2},
			{Type: interfaces.ValidateMaxLength, Length: 3},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateFieldValue(tt.value, tt.fieldType, tt.rules)
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
			assert.Equal(t, tt.valid, len(res.Errors) == 0)
		})
	}
}

func TestValidateFieldValue_CheckboxLiterals(t *testing.T) {
	tests := []struct {
		value   string
		valid   bool
		checked bool
	}{
		{"true", true, true},
		{"false", true, false},
		{"1", false, false},
		{"0", false, false},
		{"t", false, false},
		{"T", false, false},
		{"TRUE", false, false},
		{"True", false, false},
		{"f", false, false},
		{"FALSE", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			res := ValidateFieldValue(tt.value, interfaces.FieldCheckbox, nil)
			assert.Equal(t, tt.valid, res.Valid, "errors: %v", res.Errors)
			if res.Valid {
				// Every accepted value reads the same way in conditions and routing.
				assert.Equal(t, tt.checked, Compare(interfaces.OpEq, tt.value, CheckboxChecked))
			}
		})
	}
}

func TestValidateFieldValue_CustomMessage(t *testing.T) {
	res := ValidateFieldValue("abc", interfaces.FieldText, []interfaces.ValidationRule{
		{Type: interfaces.ValidateRegex, Pattern: `^\d+$`, Message: "digits only"},
	})
	require.False(t, res.Valid)
	assert.Equal(t, []string{"digits only"}, res.Errors)
}

func TestValidateField_Dropdown(t *testing.T) {
	f := &interfaces.Field{ID: "plan", Type: interfaces.FieldDropdown, Options: []string{"basic", "pro"}}
	assert.True(t, ValidateField(f, "pro").Valid)
	assert.False(t, ValidateField(f, "enterprise").Valid)
	assert.True(t, ValidateField(f, "").Valid)
}

func TestValidateDefinitions(t *testing.T) {
	docs := map[string]*interfaces.Document{"d1": {ID: "d1", PageCount: 2}}
	signers := map[string]bool{"s1": true}

	valid := func() []*interfaces.Field {
		return []*interfaces.Field{
			{ID: "qty", DocumentID: "d1", SignerID: "s1", Type: interfaces.FieldNumber, Page: 1, X: 10, Y: 10, Width: 10, Height: 5},
			{ID: "total", DocumentID: "d1", Type: interfaces.FieldCalculated, Formula: "{qty} * 2", Page: 2, X: 10, Y: 20, Width: 10, Height: 5},
		}
	}
	require.NoError(t, ValidateDefinitions(valid(), docs, signers))

	tests := []struct {
		name   string
		mutate func(fs []*interfaces.Field)
	}{
		{"unknown document", func(fs []*interfaces.Field) { fs[0].DocumentID = "nope" }},
		{"unknown signer", func(fs []*interfaces.Field) { fs[0].SignerID = "s9" }},
		{"page out of range", func(fs []*interfaces.Field) { fs[0].Page = 3 }},
		{"placement off page", func(fs []*interfaces.Field) { fs[0].X = 95 }},
		{"duplicate id", func(fs []*interfaces.Field) { fs[1].ID = "qty" }},
		{"malformed formula", func(fs []*interfaces.Field) { fs[1].Formula = "{qty} *" }},
		{"formula references unknown field", func(fs []*interfaces.Field) { fs[1].Formula = "{price} * 2" }},
		{"unknown type", func(fs []*interfaces.Field) { fs[0].Type = "slider" }},
		{"condition on unknown field", func(fs []*interfaces.Field) {
			fs[0].Conditions = []interfaces.ConditionalRule{{FieldID: "x", Operator: interfaces.OpEq, Action: interfaces.ActionHide}}
		}},
		{"bad regex", func(fs []*interfaces.Field) {
			fs[0].Validation = []interfaces.ValidationRule{{Type: interfaces.ValidateRegex, Pattern: "("}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := valid()
			tt.mutate(fs)
			err := ValidateDefinitions(fs, docs, signers)
			require.Error(t, err)
			assert.True(t, interfaces.IsValidation(err))
		})
	}
}
