// Package fields resolves dynamic field state: linked-group value propagation,
// conditional visibility and requirement, calculated values and value
// validation. Everything here is a pure function of field definitions and
// current values.
//
// Formulas are evaluated by a small recursive-descent parser supporting
// + - * / with the usual precedence, unary minus, parentheses and {fieldId}
// references. Evaluation is total: division by zero, unknown references and
// malformed input evaluate to 0.
package fields
