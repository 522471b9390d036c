package routing

import (
	"fmt"
	"sort"
	"time"

	"github.com/ruteri/signing-ceremony-backend/interfaces"
)

// Resolver computes signer waves. It holds no envelope state; callers
// serialize mutations of one envelope.
type Resolver struct {
	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used for delays.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver using the wall clock unless overridden.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DelayedSigner is a signer held back by a delay rule.
type DelayedSigner struct {
	Signer       *interfaces.Signer `json:"signer"`
	DelayedUntil time.Time          `json:"delayed_until"`
}

// Completion is the outcome of OnSignerCompleted.
type Completion struct {
	IsComplete     bool                 `json:"is_complete"`
	NextWave       []*interfaces.Signer `json:"next_wave"`
	DelayedSigners []DelayedSigner      `json:"delayed_signers,omitempty"`
	WaveAdvanced   bool                 `json:"wave_advanced"`
}

// waveKey is the signing group when the signer has one, else its order.
func waveKey(s *interfaces.Signer) int {
	if s.SigningGroup != nil {
		return *s.SigningGroup
	}
	return s.Order
}

// CurrentWave returns the non-terminal signers tied at the minimum wave key,
// or every non-terminal signer in parallel mode. Delayed signers are included.
func (r *Resolver) CurrentWave(env *interfaces.Envelope) []*interfaces.Signer {
	var pending []*interfaces.Signer
	for _, s := range env.Signers {
		if !s.Status.Terminal() {
			pending = append(pending, s)
		}
	}
	if env.SigningOrder == interfaces.SigningOrderParallel || len(pending) == 0 {
		return pending
	}

	minKey := waveKey(pending[0])
	for _, s := range pending[1:] {
		if k := waveKey(s); k < minKey {
			minKey = k
		}
	}
	var wave []*interfaces.Signer
	for _, s := range pending {
		if waveKey(s) == minKey {
			wave = append(wave, s)
		}
	}
	return wave
}

// NextEligibleSigners returns the signers that may act right now: the current
// wave without signers whose delay has not elapsed.
func (r *Resolver) NextEligibleSigners(env *interfaces.Envelope) []*interfaces.Signer {
	now := r.now()
	var eligible []*interfaces.Signer
	for _, s := range r.CurrentWave(env) {
		if s.DelayedUntil != nil && s.DelayedUntil.After(now) {
			continue
		}
		eligible = append(eligible, s)
	}
	return eligible
}

// CanSignerSign reports whether signer may act on env now.
func (r *Resolver) CanSignerSign(env *interfaces.Envelope, signer *interfaces.Signer) bool {
	if !env.Status.Active() || signer == nil || signer.Status.Terminal() {
		return false
	}
	for _, s := range r.NextEligibleSigners(env) {
		if s.ID == signer.ID {
			return true
		}
	}
	return false
}

// OnSignerCompleted marks the signer terminal with status and computes what
// happens next. When the completion advances the wave and a delay rule is
// attached to the completed signer's order, the new wave is held back until
// now + delayHours and returned in DelayedSigners instead of NextWave.
func (r *Resolver) OnSignerCompleted(env *interfaces.Envelope, signerID string, status interfaces.SignerStatus) (Completion, error) {
	if !status.Terminal() {
		return Completion{}, fmt.Errorf("completion status %q is not terminal", status)
	}
	signer := env.Signer(signerID)
	if signer == nil {
		return Completion{}, fmt.Errorf("%w: %s", interfaces.ErrSignerNotFound, signerID)
	}
	signer.Status = status

	if env.AllSignersTerminal() {
		return Completion{IsComplete: true}, nil
	}

	wave := r.CurrentWave(env)
	advanced := env.SigningOrder != interfaces.SigningOrderParallel && len(wave) > 0 && waveKey(wave[0]) != waveKey(signer)

	if advanced {
		if rule := delayRuleFor(env.RoutingRules, signer.Order); rule != nil {
			until := r.now().Add(time.Duration(rule.Action.DelayHours * float64(time.Hour))).UTC()
			delayed := make([]DelayedSigner, 0, len(wave))
			for _, s := range wave {
				t := until
				s.DelayedUntil = &t
				delayed = append(delayed, DelayedSigner{Signer: s, DelayedUntil: until})
			}
			return Completion{DelayedSigners: delayed, WaveAdvanced: true}, nil
		}
	}

	return Completion{NextWave: r.NextEligibleSigners(env), WaveAdvanced: advanced}, nil
}

// PromoteDelayed clears elapsed delays and returns the signers that became eligible.
// Running it again without newly elapsed delays returns nothing.
func (r *Resolver) PromoteDelayed(env *interfaces.Envelope) []*interfaces.Signer {
	now := r.now()
	var promoted []*interfaces.Signer
	for _, s := range env.Signers {
		if s.DelayedUntil == nil || s.DelayedUntil.After(now) {
			continue
		}
		s.DelayedUntil = nil
		if !s.Status.Terminal() {
			promoted = append(promoted, s)
		}
	}
	return promoted
}

func delayRuleFor(rules []interfaces.RoutingRule, order int) *interfaces.RoutingRule {
	for i := range rules {
		rule := &rules[i]
		if rule.Condition.Type == interfaces.ConditionAfterSignerCompletes &&
			rule.Condition.SignerOrder == order &&
			rule.Action.Type == interfaces.RouteDelay {
			return rule
		}
	}
	return nil
}

// SortSigners orders signers by wave key, then order, then id.
func SortSigners(signers []*interfaces.Signer) {
	sort.SliceStable(signers, func(i, j int) bool {
		ki, kj := waveKey(signers[i]), waveKey(signers[j])
		if ki != kj {
			return ki < kj
		}
		if signers[i].Order != signers[j].Order {
			return signers[i].Order < signers[j].Order
		}
		return signers[i].ID < signers[j].ID
	})
}
