// Package steps ships the built-in pipeline steps. They validate the
// leased egress path and the credential store's view of an identity, and
// perform password recovery by rotating the platform secret. Deployments
// with real automation register their own workflow.Step implementations
// over these defaults.
package steps

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"rollcall.dev/internal/creds"
	"rollcall.dev/internal/identity"
	"rollcall.dev/internal/proxypool"
	"rollcall.dev/internal/workflow"
)

// Verdict markers. The provisioning pipeline can prefix a platform secret
// to script how the built-in platform step should judge it; password
// recovery rotates the marker away. A bare secret verifies clean.
const (
	MarkerWrongPassword = "invalid:"
	MarkerCheckpoint    = "checkpoint:"
	MarkerTwoFactor     = "2fa:"
	MarkerBlocked       = "blocked:"
)

type settings struct {
	dial        func(ctx context.Context, network, addr string) (net.Conn, error)
	dialTimeout time.Duration
	entropy     io.Reader
}

// Option adjusts the built-in step set.
type Option func(*settings)

// WithDialer swaps the TCP dialer used for the egress reachability check.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(s *settings) {
		s.dial = dial
	}
}

// WithDialTimeout bounds the egress reachability check.
func WithDialTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.dialTimeout = d
	}
}

// WithEntropy swaps the randomness source used when minting rotated
// secrets.
func WithEntropy(r io.Reader) Option {
	return func(s *settings) {
		s.entropy = r
	}
}

// Set bundles the built-in steps wired to one credential store.
type Set struct {
	Mailbox  *MailboxCheck
	Platform *PlatformCheck
	Recovery *PasswordRecovery
	Audit    *SecurityAudit
}

// NewSet builds the default step set around the given credential store.
func NewSet(store creds.Store, opts ...Option) *Set {
	cfg := settings{
		dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		dialTimeout: 5 * time.Second,
		entropy:     rand.Reader,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Set{
		Mailbox:  &MailboxCheck{store: store, cfg: cfg},
		Platform: &PlatformCheck{store: store},
		Recovery: &PasswordRecovery{store: store, cfg: cfg},
		Audit:    &SecurityAudit{store: store},
	}
}

// RegisterDefaults binds the set as the fallback step for every slot.
func (s *Set) RegisterDefaults(reg *workflow.Registry) {
	reg.Register(workflow.SlotMailbox, "", s.Mailbox)
	reg.Register(workflow.SlotPlatform, "", s.Platform)
	reg.Register(workflow.SlotRecovery, "", s.Recovery)
	reg.Register(workflow.SlotAudit, "", s.Audit)
}

// MailboxCheck confirms the leased proxy answers on its port and that the
// identity's mailbox secret opens. It cannot log in to the mailbox itself;
// that is the job of provider-specific steps registered over it.
type MailboxCheck struct {
	store creds.Store
	cfg   settings
}

func (m *MailboxCheck) Name() string { return "mailbox_check" }

func (m *MailboxCheck) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	if lease.Proxy.Host != "" {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.dialTimeout)
		conn, err := m.cfg.dial(dctx, "tcp", lease.Proxy.Addr())
		cancel()
		if err != nil {
			return workflow.TransientProxy("proxy unreachable: " + err.Error())
		}
		conn.Close()
	}

	if id.MailboxAddress == "" {
		return workflow.Permanent(workflow.ReasonNone, "identity has no mailbox address")
	}
	secret, err := m.store.GetSecret(ctx, id.ID, creds.KindMailbox)
	switch {
	case errors.Is(err, creds.ErrSecretNotFound):
		return workflow.Permanent(workflow.ReasonNone, "mailbox secret missing from store")
	case err != nil:
		return workflow.Transient("credential store: " + err.Error())
	case secret == "":
		return workflow.Permanent(workflow.ReasonNone, "mailbox secret is empty")
	}
	return workflow.Success("mailbox credential verified for " + id.MailboxAddress)
}

// PlatformCheck judges the platform secret. Without real platform
// automation it renders the verdict the provisioning pipeline recorded via
// marker prefixes; a clean secret passes.
type PlatformCheck struct {
	store creds.Store
}

func (p *PlatformCheck) Name() string { return "platform_check" }

func (p *PlatformCheck) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	secret, err := p.store.GetSecret(ctx, id.ID, creds.KindPlatform)
	switch {
	case errors.Is(err, creds.ErrSecretNotFound):
		return workflow.Permanent(workflow.ReasonNone, "platform secret missing from store")
	case err != nil:
		return workflow.Transient("credential store: " + err.Error())
	}

	switch {
	case strings.HasPrefix(secret, MarkerWrongPassword):
		return workflow.Permanent(workflow.ReasonWrongPassword, "platform rejected the stored credential")
	case strings.HasPrefix(secret, MarkerCheckpoint):
		return workflow.Manual(workflow.ReasonCheckpoint, "platform raised a checkpoint challenge")
	case strings.HasPrefix(secret, MarkerTwoFactor):
		return workflow.Manual(workflow.ReasonTwoFactor, "platform demands a second factor")
	case strings.HasPrefix(secret, MarkerBlocked):
		return workflow.Manual(workflow.ReasonBlocked, "platform reports the account blocked")
	case secret == "":
		return workflow.Permanent(workflow.ReasonWrongPassword, "platform secret is empty")
	}
	return workflow.Success("platform credential verified for " + id.PlatformHandle)
}

// PasswordRecovery performs the mailbox-driven reset: it requires mailbox
// access, mints a fresh platform secret and rotates it into the store. The
// machine then retries platform verification once against the new secret.
type PasswordRecovery struct {
	store creds.Store
	cfg   settings
}

func (r *PasswordRecovery) Name() string { return "password_recovery" }

func (r *PasswordRecovery) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	if _, err := r.store.GetSecret(ctx, id.ID, creds.KindMailbox); err != nil {
		if errors.Is(err, creds.ErrSecretNotFound) {
			return workflow.Permanent(workflow.ReasonNone, "recovery requires mailbox access, no mailbox secret stored")
		}
		return workflow.Transient("credential store: " + err.Error())
	}

	fresh, err := mintSecret(r.cfg.entropy)
	if err != nil {
		return workflow.Transient("mint replacement secret: " + err.Error())
	}
	if err := r.store.Rotate(ctx, id.ID, creds.KindPlatform, fresh); err != nil {
		if errors.Is(err, creds.ErrSecretNotFound) {
			return workflow.Permanent(workflow.ReasonNone, "no platform secret to rotate")
		}
		return workflow.Transient("rotate platform secret: " + err.Error())
	}
	return workflow.Success("platform credential rotated via mailbox recovery")
}

// SecurityAudit re-reads both secrets after the run's work is done. It is
// consumed advisorily: the machine logs a failed audit and completes the
// run regardless.
type SecurityAudit struct {
	store creds.Store
}

func (a *SecurityAudit) Name() string { return "security_audit" }

func (a *SecurityAudit) Execute(ctx context.Context, id identity.Identity, lease proxypool.Lease) workflow.Outcome {
	checked := 0
	for _, kind := range []creds.Kind{creds.KindMailbox, creds.KindPlatform} {
		secret, err := a.store.GetSecret(ctx, id.ID, kind)
		if err != nil {
			return workflow.Transient(fmt.Sprintf("audit: %s secret unreadable: %v", kind, err))
		}
		if hasMarker(secret) {
			return workflow.Transient(fmt.Sprintf("audit: %s secret still carries a verdict marker", kind))
		}
		checked++
	}
	return workflow.Success(fmt.Sprintf("audit passed, %d credentials verified", checked))
}

func hasMarker(secret string) bool {
	for _, m := range []string{MarkerWrongPassword, MarkerCheckpoint, MarkerTwoFactor, MarkerBlocked} {
		if strings.HasPrefix(secret, m) {
			return true
		}
	}
	return false
}

func mintSecret(entropy io.Reader) (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
