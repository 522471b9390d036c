package routing

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ruteri/signing-ceremony-backend/fields"
	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// Decision is the result of routing rule evaluation.
type Decision struct {
	RuleID  string                   `json:"rule_id,omitempty"`
	Matched bool                     `json:"matched"`
	Action  interfaces.RoutingAction `json:"action"`
}

// Continue is the default decision.
var Continue = Decision{Action: interfaces.RoutingAction{Type: interfaces.RouteContinue}}

// Applied reports what ApplyDecision changed.
type Applied struct {
	Skipped []*interfaces.Signer `json:"skipped,omitempty"`
	Added   *interfaces.Signer   `json:"added,omitempty"`
}

// EvaluateRoutingRules scans env's rules in order and returns the first one
// whose condition matches the completed signer and current field values.
// Delay rules are handled by OnSignerCompleted and never returned here.
func (r *Resolver) EvaluateRoutingRules(env *interfaces.Envelope, completed *interfaces.Signer, values map[string]string) Decision {
	for _, rule := range env.RoutingRules {
		if rule.Action.Type == interfaces.RouteDelay {
			continue
		}
		if conditionMatches(rule.Condition, completed, values) {
			return Decision{RuleID: rule.ID, Matched: true, Action: rule.Action}
		}
	}
	return Continue
}

func conditionMatches(c interfaces.RoutingCondition, completed *interfaces.Signer, values map[string]string) bool {
	switch c.Type {
	case interfaces.ConditionSignerDeclined:
		return completed != nil && completed.Status == interfaces.SignerDeclined
	case interfaces.ConditionFieldValue:
		return fields.Compare(c.Operator, values[c.FieldID], c.Value)
	case interfaces.ConditionAfterSignerCompletes:
		return completed != nil && completed.Status == interfaces.SignerSigned && completed.Order == c.SignerOrder
	default:
		return false
	}
}

// ApplyDecision mutates env according to the decision.
//
//   - skip_to: non-terminal signers ordered before the target are skipped.
//   - route_to: every non-terminal signer except the target is skipped.
//   - add_signer: a pending signer is appended, unless one with that email is still pending.
//   - complete: every non-terminal signer is skipped.
func (r *Resolver) ApplyDecision(env *interfaces.Envelope, d Decision) (Applied, error) {
	var applied Applied
	switch d.Action.Type {
	case interfaces.RouteContinue, "":
		return applied, nil

	case interfaces.RouteSkipTo:
		for _, s := range env.Signers {
			if !s.Status.Terminal() && s.Order < d.Action.TargetOrder {
				s.Status = interfaces.SignerSkipped
				applied.Skipped = append(applied.Skipped, s)
			}
		}

	case interfaces.RouteRouteTo:
		target := routeTarget(env, d.Action)
		if len(target) == 0 {
			return applied, fmt.Errorf("route_to target not found (order %d, email %q)", d.Action.TargetOrder, d.Action.TargetEmail)
		}
		for _, s := range env.Signers {
			if s.Status.Terminal() || target[s.ID] {
				continue
			}
			s.Status = interfaces.SignerSkipped
			applied.Skipped = append(applied.Skipped, s)
		}

	case interfaces.RouteAddSigner:
		if existing := env.SignerByEmail(d.Action.TargetEmail); existing != nil && !existing.Status.Terminal() {
			return applied, nil
		}
		order := d.Action.TargetOrder
		if order == 0 {
			for _, s := range env.Signers {
				if s.Order >= order {
					order = s.Order + 1
				}
			}
		}
		added := &interfaces.Signer{
			ID:                uuid.NewString(),
			EnvelopeID:        env.ID,
			Name:              d.Action.TargetName,
			Email:             d.Action.TargetEmail,
			Order:             order,
			Status:            interfaces.SignerPending,
			VerificationLevel: interfaces.VerificationNone,
		}
		env.Signers = append(env.Signers, added)
		applied.Added = added

	case interfaces.RouteComplete:
		for _, s := range env.Signers {
			if !s.Status.Terminal() {
				s.Status = interfaces.SignerSkipped
				applied.Skipped = append(applied.Skipped, s)
			}
		}

	default:
		return applied, fmt.Errorf("unsupported routing action %q", d.Action.Type)
	}
	return applied, nil
}

func routeTarget(env *interfaces.Envelope, a interfaces.RoutingAction) map[string]bool {
	target := map[string]bool{}
	for _, s := range env.Signers {
		if s.Status.Terminal() {
			continue
		}
		if (a.TargetEmail != "" && s.Email == a.TargetEmail) || (a.TargetEmail == "" && s.Order == a.TargetOrder) {
			target[s.ID] = true
		}
	}
	return target
}

// ValidateRules rejects malformed routing rules when an envelope is created.
func ValidateRules(rules []interfaces.RoutingRule, signers []*interfaces.Signer, fieldIDs map[string]bool) error {
	orders := map[int]bool{}
	emails := map[string]bool{}
	for _, s := range signers {
		orders[s.Order] = true
		emails[s.Email] = true
	}

	for i, rule := range rules {
		where := fmt.Sprintf("routing_rules[%d]", i)
		c, a := rule.Condition, rule.Action

		switch c.Type {
		case interfaces.ConditionSignerDeclined:
		case interfaces.ConditionFieldValue:
			if !fieldIDs[c.FieldID] {
				return interfaces.NewValidationError("envelope", where+".condition.field_id", fmt.Sprintf("unknown field %q", c.FieldID))
			}
			if !fields.ValidOperator(c.Operator) {
				return interfaces.NewValidationError("envelope", where+".condition.operator", fmt.Sprintf("unknown operator %q", c.Operator))
			}
		case interfaces.ConditionAfterSignerCompletes:
			if !orders[c.SignerOrder] {
				return interfaces.NewValidationError("envelope", where+".condition.signer_order", fmt.Sprintf("no signer with order %d", c.SignerOrder))
			}
		default:
			return interfaces.NewValidationError("envelope", where+".condition.type", fmt.Sprintf("unknown condition %q", c.Type))
		}

		switch a.Type {
		case interfaces.RouteContinue, interfaces.RouteComplete:
		case interfaces.RouteSkipTo:
			if !orders[a.TargetOrder] {
				return interfaces.NewValidationError("envelope", where+".action.target_order", fmt.Sprintf("no signer with order %d", a.TargetOrder))
			}
		case interfaces.RouteRouteTo:
			if a.TargetEmail != "" && !emails[a.TargetEmail] {
				return interfaces.NewValidationError("envelope", where+".action.target_email", "no signer with that email")
			}
			if a.TargetEmail == "" && !orders[a.TargetOrder] {
				return interfaces.NewValidationError("envelope", where+".action.target_order", fmt.Sprintf("no signer with order %d", a.TargetOrder))
			}
		case interfaces.RouteAddSigner:
			if a.TargetEmail == "" || a.TargetName == "" {
				return interfaces.NewValidationError("envelope", where+".action", "add_signer needs target_email and target_name")
			}
			if a.TargetOrder < 0 {
				return interfaces.NewValidationError("envelope", where+".action.target_order", "must not be negative")
			}
		case interfaces.RouteDelay:
			if c.Type != interfaces.ConditionAfterSignerCompletes {
				return interfaces.NewValidationError("envelope", where+".action", "delay requires an after_signer_completes condition")
			}
			if a.DelayHours <= 0 {
				return interfaces.NewValidationError("envelope", where+".action.delay_hours", "must be positive")
			}
		default:
			return interfaces.NewValidationError("envelope", where+".action.type", fmt.Sprintf("unknown action %q", a.Type))
		}
	}
	return nil
}
