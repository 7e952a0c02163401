package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/retry"
)

// Kind classifies a step outcome.
type Kind string

const (
	OutcomeSuccess   Kind = "success"
	OutcomeTransient Kind = "transient_failure"
	OutcomePermanent Kind = "permanent_failure"
	OutcomeManual    Kind = "requires_manual_intervention"
)

// Reason refines an outcome with provider-specific context.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonWrongPassword Reason = "wrong_password"
	ReasonCheckpoint    Reason = "checkpoint_required"
	ReasonTwoFactor     Reason = "two_factor_required"
	ReasonBlocked       Reason = "account_blocked"
	ReasonCancelled     Reason = "cancelled"
	ReasonTimeout       Reason = "timeout"
	ReasonProxyStarved  Reason = "no_proxy_available"
)

// Outcome is what one step execution reports back to the driver.
type Outcome struct {
	Kind       Kind
	Reason     Reason
	Detail     string
	ProxyFault bool
}

// Success builds a passing outcome.
func Success(detail string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Detail: detail}
}

// Transient builds a recoverable failure not blamed on the proxy.
func Transient(detail string) Outcome {
	return Outcome{Kind: OutcomeTransient, Detail: detail}
}

// TransientProxy builds a recoverable failure attributable to the egress
// path, which steers the retry policy toward rotation.
func TransientProxy(detail string) Outcome {
	return Outcome{Kind: OutcomeTransient, Detail: detail, ProxyFault: true}
}

// Permanent builds a non-recoverable failure.
func Permanent(reason Reason, detail string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason, Detail: detail}
}

// Manual builds an outcome that parks the identity for human intervention.
func Manual(reason Reason, detail string) Outcome {
	return Outcome{Kind: OutcomeManual, Reason: reason, Detail: detail}
}

// RetryKind maps the outcome onto the retry policy's failure taxonomy.
func (o Outcome) RetryKind() retry.FailureKind {
	switch o.Kind {
	case OutcomePermanent:
		return retry.KindPermanent
	case OutcomeManual:
		return retry.KindManual
	default:
		if o.ProxyFault {
			return retry.KindProxyTransient
		}
		return retry.KindTransient
	}
}

// TerminalStatus maps a manual-intervention reason to its terminal status.
func (o Outcome) TerminalStatus() identity.Status {
	switch o.Reason {
	case ReasonCheckpoint:
		return identity.StatusCheckpointRequired
	case ReasonTwoFactor:
		return identity.StatusTwoFactorRequired
	case ReasonBlocked:
		return identity.StatusBlocked
	default:
		return identity.StatusFailed
	}
}

// Step is one pluggable stage of the pipeline, implemented by external
// automation collaborators. Execute must be safe to call again after any
// failure and must not write identity credentials; password recovery goes
// through the credential store instead.
type Step interface {
	Name() string
	Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) Outcome
}

// Slot is a position in the pipeline.
type Slot string

const (
	SlotMailbox  Slot = "mailbox_verify"
	SlotPlatform Slot = "platform_verify"
	SlotRecovery Slot = "recovery"
	SlotAudit    Slot = "security_audit"
)

// Registry resolves the concrete step for a slot by provider key, falling
// back to the slot default. Provider keys are lower-case (mailbox domain,
// platform name).
type Registry struct {
	mu     sync.RWMutex
	bySlot map[Slot]map[string]Step
}

// NewRegistry initialises an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySlot: make(map[Slot]map[string]Step)}
}

// Register binds a step to a slot for one provider. An empty provider
// registers the slot default.
func (r *Registry) Register(slot Slot, provider string, step Step) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.bySlot[slot]
	if !ok {
		m = make(map[string]Step)
		r.bySlot[slot] = m
	}
	m[provider] = step
}

// Resolve returns the step for the slot and provider, preferring an exact
// provider binding over the slot default.
func (r *Registry) Resolve(slot Slot, provider string) (Step, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.bySlot[slot]
	if !ok {
		return nil, fmt.Errorf("workflow: no step registered for slot %s", slot)
	}
	if step, ok := m[provider]; ok {
		return step, nil
	}
	if step, ok := m[""]; ok {
		return step, nil
	}
	return nil, fmt.Errorf("workflow: no step for slot %s, provider %q", slot, provider)
}

// providerFor derives the provider key the registry is consulted with.
// Mailbox-facing slots key on the mailbox domain; the rest on the platform.
func providerFor(slot Slot, id identity.Identity) string {
	switch slot {
	case SlotMailbox, SlotRecovery:
		if at := strings.LastIndexByte(id.MailboxAddress, '@'); at >= 0 {
			return strings.ToLower(id.MailboxAddress[at+1:])
		}
		return ""
	default:
		return ""
	}
}
