package fields

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

var (
	reEmail   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	rePhone   = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	reZip     = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	reZip9    = regexp.MustCompile(`^\d{5}-\d{4}$`)
	reSSN     = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	reFieldID = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

// The only accepted checkbox values. Conditions, routing and the sealer
// compare against these literals.
const (
	CheckboxChecked   = "true"
	CheckboxUnchecked = "false"
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "01/02/2006", "02.01.2006"}

// ValidationResult lists every violated rule. Valid is true iff Errors is empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateFieldValue checks value against the field type and every rule.
// An empty value is treated as not yet provided and passes; emptiness is
// enforced separately by CheckRequired.
func ValidateFieldValue(value string, fieldType interfaces.FieldType, rules []interfaces.ValidationRule) ValidationResult {
	if value == "" {
		return ValidationResult{Valid: true}
	}

	var errs []string
	if msg := checkType(value, fieldType); msg != "" {
		errs = append(errs, msg)
	}
	for _, rule := range rules {
		if msg := checkRule(value, rule); msg != "" {
			errs = append(errs, msg)
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ValidateField validates value for f, including dropdown options.
func ValidateField(f *interfaces.Field, value string) ValidationResult {
	res := ValidateFieldValue(value, f.Type, f.Validation)
	if value == "" || f.Type != interfaces.FieldDropdown || len(f.Options) == 0 {
		return res
	}
	for _, opt := range f.Options {
		if opt == value {
			return res
		}
	}
	res.Errors = append(res.Errors, "must be one of the listed options")
	res.Valid = false
	return res
}

func checkType(value string, fieldType interfaces.FieldType) string {
	switch fieldType {
	case interfaces.FieldNumber, interfaces.FieldCurrency, interfaces.FieldCalculated:
		if _, ok := ParseNumber(value); !ok {
			return "must be a number"
		}
	case interfaces.FieldCheckbox:
		if value != CheckboxChecked && value != CheckboxUnchecked {
			return "must be true or false"
		}
	case interfaces.FieldDate:
		if _, ok := ParseDate(value); !ok {
			return "must be a valid date"
		}
	case interfaces.FieldEmail:
		if !reEmail.MatchString(value) {
			return "must be a valid email address"
		}
	}
	return ""
}

func checkRule(value string, rule interfaces.ValidationRule) string {
	fail := func(def string) string {
		if rule.Message != "" {
			return rule.Message
		}
		return def
	}

	switch rule.Type {
	case interfaces.ValidateMinLength:
		if utf8.RuneCountInString(value) < rule.Length {
			return fail(fmt.Sprintf("must be at least %d characters", rule.Length))
		}
	case interfaces.ValidateMaxLength:
		if utf8.RuneCountInString(value) > rule.Length {
			return fail(fmt.Sprintf("must be at most %d characters", rule.Length))
		}
	case interfaces.ValidateEmail:
		if !reEmail.MatchString(value) {
			return fail("must be a valid email address")
		}
	case interfaces.ValidatePhone:
		if !rePhone.MatchString(value) {
			return fail("must be an E.164 phone number")
		}
	case interfaces.ValidateZipCode:
		if !reZip.MatchString(value) {
			return fail("must be a ZIP or ZIP+4 code")
		}
	case interfaces.ValidateZipCode9:
		if !reZip9.MatchString(value) {
			return fail("must be a ZIP+4 code")
		}
	case interfaces.ValidateSSN:
		if !reSSN.MatchString(value) {
			return fail("must be formatted XXX-XX-XXXX")
		}
	case interfaces.ValidateURL:
		u, err := url.ParseRequestURI(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fail("must be a valid URL")
		}
	case interfaces.ValidateRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return "invalid validation pattern"
		}
		if !re.MatchString(value) {
			return fail("does not match the required format")
		}
	default:
		return fmt.Sprintf("unknown validation rule %q", rule.Type)
	}
	return ""
}

// ParseDate accepts the date layouts signing clients submit.
func ParseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(value)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidateDefinitions rejects malformed field definitions before an envelope
// is created: unknown documents or signers, bad placement, references to
// unknown fields, malformed formulas, rules and patterns.
func ValidateDefinitions(fields []*interfaces.Field, documents map[string]*interfaces.Document, signerIDs map[string]bool) error {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.ID == "" || !reFieldID.MatchString(f.ID) {
			return interfaces.NewValidationError("field", "id", fmt.Sprintf("invalid field id %q", f.ID))
		}
		if known[f.ID] {
			return interfaces.NewValidationError("field", "id", fmt.Sprintf("duplicate field id %q", f.ID))
		}
		known[f.ID] = true
	}

	for _, f := range fields {
		if !validFieldType(f.Type) {
			return interfaces.NewValidationError("field", f.ID+".type", fmt.Sprintf("unknown field type %q", f.Type))
		}
		doc, ok := documents[f.DocumentID]
		if !ok {
			return interfaces.NewValidationError("field", f.ID+".document_id", "document is not part of the envelope")
		}
		if f.SignerID != "" && !signerIDs[f.SignerID] {
			return interfaces.NewValidationError("field", f.ID+".signer_id", "signer is not part of the envelope")
		}
		if f.Page < 1 || (doc.PageCount > 0 && f.Page > doc.PageCount) {
			return interfaces.NewValidationError("field", f.ID+".page", fmt.Sprintf("page %d out of range", f.Page))
		}
		if f.X < 0 || f.Y < 0 || f.Width <= 0 || f.Height <= 0 || f.X+f.Width > 100 || f.Y+f.Height > 100 {
			return interfaces.NewValidationError("field", f.ID+".placement", "placement must lie within the page (percentages)")
		}
		if f.Type == interfaces.FieldCalculated {
			if f.Formula == "" {
				return interfaces.NewValidationError("field", f.ID+".formula", "calculated field needs a formula")
			}
			if err := CheckFormula(f.Formula); err != nil {
				return interfaces.NewValidationError("field", f.ID+".formula", err.Error())
			}
			refs, _ := FormulaRefs(f.Formula)
			for _, ref := range refs {
				if !known[ref] {
					return interfaces.NewValidationError("field", f.ID+".formula", fmt.Sprintf("unknown field reference %q", ref))
				}
			}
		}
		for i, c := range f.Conditions {
			if !known[c.FieldID] {
				return interfaces.NewValidationError("field", fmt.Sprintf("%s.conditions[%d]", f.ID, i), fmt.Sprintf("unknown field %q", c.FieldID))
			}
			if !ValidOperator(c.Operator) {
				return interfaces.NewValidationError("field", fmt.Sprintf("%s.conditions[%d]", f.ID, i), fmt.Sprintf("unknown operator %q", c.Operator))
			}
			switch c.Action {
			case interfaces.ActionShow, interfaces.ActionHide, interfaces.ActionRequire:
			default:
				return interfaces.NewValidationError("field", fmt.Sprintf("%s.conditions[%d]", f.ID, i), fmt.Sprintf("unknown action %q", c.Action))
			}
		}
		for i, r := range f.Validation {
			if err := validateRule(r); err != "" {
				return interfaces.NewValidationError("field", fmt.Sprintf("%s.validation[%d]", f.ID, i), err)
			}
		}
	}
	return nil
}

func validateRule(r interfaces.ValidationRule) string {
	switch r.Type {
	case interfaces.ValidateMinLength, interfaces.ValidateMaxLength:
		if r.Length < 0 {
			return "length must not be negative"
		}
	case interfaces.ValidateEmail, interfaces.ValidatePhone, interfaces.ValidateZipCode,
		interfaces.ValidateZipCode9, interfaces.ValidateSSN, interfaces.ValidateURL:
	case interfaces.ValidateRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return "invalid pattern: " + err.Error()
		}
	default:
		return fmt.Sprintf("unknown validation rule %q", r.Type)
	}
	return ""
}

func validFieldType(t interfaces.FieldType) bool {
	switch t {
	case interfaces.FieldSignature, interfaces.FieldInitials, interfaces.FieldDate, interfaces.FieldText,
		interfaces.FieldNumber, interfaces.FieldCurrency, interfaces.FieldEmail, interfaces.FieldCheckbox,
		interfaces.FieldDropdown, interfaces.FieldCalculated:
		return true
	default:
		return false
	}
}
