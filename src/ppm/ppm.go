// Package ppm implements C9: the privacy policy auditor, the sole
// authority the orchestrator consults before invoking the aggregator.
// Grounded on spec.md §4.9 directly — a minimal stateless component, with
// teacher-style constructor-injected configuration.
package ppm

import "github.com/rs/zerolog"

// PrivacyMode is one of the three client privacy modes of spec.md §2.
type PrivacyMode string

const (
	ModeNormal PrivacyMode = "normal"
	ModeHE     PrivacyMode = "he"
	ModeSSS    PrivacyMode = "sss"
)

// Auditor is C9. It never mutates updates; it only answers policy
// questions for the orchestrator.
type Auditor struct {
	heActive bool
	log      zerolog.Logger
}

// New constructs an Auditor. heActive mirrors privacy.he.active from
// startup configuration.
func New(heActive bool, log zerolog.Logger) *Auditor {
	return &Auditor{heActive: heActive, log: log}
}

// VerifyAudit returns whether mode is currently permitted. SSS and
// Normal are always permitted (Normal logs a warning, since it carries no
// cryptographic protection); HE is permitted only when HE is configured
// active.
func (a *Auditor) VerifyAudit(mode PrivacyMode) bool {
	switch mode {
	case ModeSSS:
		return true
	case ModeNormal:
		a.log.Warn().Msg("client operating in plaintext (normal) privacy mode")
		return true
	case ModeHE:
		return a.heActive
	default:
		return false
	}
}

// RecommendHomomorphic reports whether HE-aware aggregation should be
// used this round, i.e. whether HE is configured active.
func (a *Auditor) RecommendHomomorphic() bool {
	return a.heActive
}
