package domain

// Guardrail names as they appear in blocked reasons and metrics.
const (
	GuardrailCompilation = "compilation_clean"
	GuardrailHotDisable  = "hot_disable_safe"
	GuardrailQuota       = "quota_ok"
	GuardrailBlastRadius = "blast_radius_ok"
	GuardrailHealth      = "health_ok"
	GuardrailLock        = "lock_ok"
	GuardrailIdempotency = "idempotency_ok"
)

// GuardrailStatus is the result of a guardrail evaluation. It is clear iff
// every boolean is true. Only HotDisableSafe and BlastRadiusOK may be
// overridden by force, and only with a non-empty force reason.
type GuardrailStatus struct {
	CompilationClean bool     `json:"compilation_clean"`
	HotDisableSafe   bool     `json:"hot_disable_safe"`
	QuotaOK          bool     `json:"quota_ok"`
	BlastRadiusOK    bool     `json:"blast_radius_ok"`
	HealthOK         bool     `json:"health_ok"`
	LockOK           bool     `json:"lock_ok"`
	IdempotencyOK    bool     `json:"idempotency_ok"`
	BlockedReasons   []string `json:"blocked_reasons,omitempty"`
}

// AllClearStatus returns a status with every guardrail passing.
func AllClearStatus() GuardrailStatus {
	return GuardrailStatus{
		CompilationClean: true,
		HotDisableSafe:   true,
		QuotaOK:          true,
		BlastRadiusOK:    true,
		HealthOK:         true,
		LockOK:           true,
		IdempotencyOK:    true,
	}
}

// Clear reports whether the deployment may proceed. With force set, a false
// HotDisableSafe or BlastRadiusOK no longer blocks; every other false
// boolean always does.
func (g *GuardrailStatus) Clear(force bool) bool {
	if !g.CompilationClean || !g.QuotaOK || !g.HealthOK || !g.LockOK || !g.IdempotencyOK {
		return false
	}
	if force {
		return true
	}
	return g.HotDisableSafe && g.BlastRadiusOK
}

// Failing returns the names of all false guardrails.
func (g *GuardrailStatus) Failing() []string {
	var out []string
	if !g.CompilationClean {
		out = append(out, GuardrailCompilation)
	}
	if !g.HotDisableSafe {
		out = append(out, GuardrailHotDisable)
	}
	if !g.QuotaOK {
		out = append(out, GuardrailQuota)
	}
	if !g.BlastRadiusOK {
		out = append(out, GuardrailBlastRadius)
	}
	if !g.HealthOK {
		out = append(out, GuardrailHealth)
	}
	if !g.LockOK {
		out = append(out, GuardrailLock)
	}
	if !g.IdempotencyOK {
		out = append(out, GuardrailIdempotency)
	}
	return out
}
