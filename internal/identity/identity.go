package identity

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a managed identity.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProxyAssigned      Status = "proxy_assigned"
	StatusMailboxVerifying   Status = "mailbox_verifying"
	StatusPlatformVerifying  Status = "platform_verifying"
	StatusRecoveryInProgress Status = "recovery_in_progress"
	StatusSecurityAuditing   Status = "security_auditing"
	StatusCompleted          Status = "completed"
	StatusCheckpointRequired Status = "checkpoint_required"
	StatusTwoFactorRequired  Status = "two_factor_required"
	StatusBlocked            Status = "blocked"
	StatusFailed             Status = "failed"
)

// allowedTransitions is the full edge set of the identity lifecycle.
// Terminal statuses have no outgoing edges; re-processing goes through
// ResetForReprocessing, never through a transition.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusProxyAssigned: {},
		StatusFailed:        {},
	},
	StatusProxyAssigned: {
		StatusMailboxVerifying: {},
		StatusFailed:           {},
	},
	StatusMailboxVerifying: {
		StatusPlatformVerifying:  {},
		StatusCheckpointRequired: {},
		StatusTwoFactorRequired:  {},
		StatusBlocked:            {},
		StatusFailed:             {},
	},
	StatusPlatformVerifying: {
		StatusSecurityAuditing:   {},
		StatusRecoveryInProgress: {},
		StatusCheckpointRequired: {},
		StatusTwoFactorRequired:  {},
		StatusBlocked:            {},
		StatusFailed:             {},
	},
	StatusRecoveryInProgress: {
		StatusPlatformVerifying:  {},
		StatusCheckpointRequired: {},
		StatusTwoFactorRequired:  {},
		StatusBlocked:            {},
		StatusFailed:             {},
	},
	StatusSecurityAuditing: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted:          {},
	StatusCheckpointRequired: {},
	StatusTwoFactorRequired:  {},
	StatusBlocked:            {},
	StatusFailed:             {},
}

// ValidateStatus reports whether the status is a known lifecycle state.
func ValidateStatus(s Status) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid identity status: %q", s)
	}
	return nil
}

// ValidateTransition reports whether from -> to is an allowed edge.
func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid identity transition: %s -> %s", from, to)
	}
	return nil
}

// ParseStatus converts a stored string back into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(strings.ToLower(raw)))
	if err := ValidateStatus(s); err != nil {
		return "", err
	}
	return s, nil
}

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

// InProgress reports whether an identity in this status must hold a proxy lease.
func (s Status) InProgress() bool {
	return !s.Terminal() && s != StatusPending
}

// Identity is one managed account processed through the pipeline.
type Identity struct {
	ID                string
	Label             string
	MailboxAddress    string
	PlatformHandle    string
	MailboxSecretRef  string
	PlatformSecretRef string
	Status            Status
	ProxyID           string
	ActivityDays      int
	LastDetail        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition moves the identity along one allowed edge and stamps the change.
func (id *Identity) Transition(to Status, detail string, now time.Time) error {
	if err := ValidateTransition(id.Status, to); err != nil {
		return err
	}
	id.Status = to
	id.LastDetail = detail
	id.UpdatedAt = now
	return nil
}

// ResetForReprocessing prepares a terminal identity for a fresh run. The
// previous outcome stays in LastDetail until the next transition overwrites it.
func (id *Identity) ResetForReprocessing(now time.Time) error {
	if !id.Status.Terminal() {
		return fmt.Errorf("identity %s is not in a terminal status: %s", id.ID, id.Status)
	}
	id.Status = StatusPending
	id.ProxyID = ""
	id.UpdatedAt = now
	return nil
}
