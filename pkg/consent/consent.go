// Package consent issues and verifies signed consent grants. A grant binds
// a subject to a set of scopes (check types or data categories) that
// compliance rules with requires_explicit_consent demand.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/veritas-labs/scrutiny/pkg/audit"
)

var (
	ErrInvalidGrant = errors.New("consent: invalid grant")
	ErrExpiredGrant = errors.New("consent: grant expired")
	ErrNoKey        = errors.New("consent: signing key required")
)

const issuer = "scrutiny/consent"

// GrantClaims extends registered JWT claims with the consent fields.
type GrantClaims struct {
	jwt.RegisteredClaims
	SubjectRef string   `json:"subject_ref"`
	CustomerID string   `json:"customer_id,omitempty"`
	Scopes     []string `json:"scopes"`
}

// HasScope reports whether the grant covers scope.
func (c *GrantClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Grant is the input to Issue.
type Grant struct {
	SubjectRef string
	CustomerID string
	Scopes     []string
	TTL        time.Duration
}

// Manager signs and verifies consent grants with an HMAC key. Every issue
// and verification is audited.
type Manager struct {
	key       []byte
	clock     func() time.Time
	auditSink AuditSink
	logger    *slog.Logger
}

// AuditSink receives consent events. *audit.Log satisfies it.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Event, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a manager with the given HMAC signing key.
func NewManager(key []byte, auditSink AuditSink, opts ...Option) (*Manager, error) {
	if len(key) == 0 {
		return nil, ErrNoKey
	}
	m := &Manager{
		key:       key,
		clock:     time.Now,
		auditSink: auditSink,
		logger:    slog.Default().With("component", "consent"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs a grant and audits the issuance.
func (m *Manager) Issue(ctx context.Context, grant Grant) (string, error) {
	if grant.SubjectRef == "" {
		return "", fmt.Errorf("%w: missing subject_ref", ErrInvalidGrant)
	}
	if len(grant.Scopes) == 0 {
		return "", fmt.Errorf("%w: no scopes", ErrInvalidGrant)
	}
	if grant.TTL <= 0 {
		return "", fmt.Errorf("%w: non-positive ttl", ErrInvalidGrant)
	}
	now := m.clock().UTC()
	claims := GrantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   grant.SubjectRef,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(grant.TTL)),
			Issuer:    issuer,
		},
		SubjectRef: grant.SubjectRef,
		CustomerID: grant.CustomerID,
		Scopes:     grant.Scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("consent: failed to sign grant: %w", err)
	}

	if m.auditSink != nil {
		_, err := m.auditSink.Append(ctx, audit.Record{
			Actor:    audit.ActorUser,
			Category: audit.CategoryConsent,
			Subject:  grant.SubjectRef,
			Action:   "granted",
			Payload: map[string]any{
				"grant_id":    claims.ID,
				"customer_id": grant.CustomerID,
				"scopes":      grant.Scopes,
				"expires_at":  claims.ExpiresAt.Time,
			},
		})
		if err != nil {
			return "", err
		}
	}
	return signed, nil
}

// Verify parses tokenString, checking signature, issuer, and expiry. The
// verification outcome is audited either way.
func (m *Manager) Verify(ctx context.Context, tokenString string) (*GrantClaims, error) {
	claims := &GrantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return m.clock() }),
	)
	if err != nil || !token.Valid {
		m.auditVerification(ctx, claims.SubjectRef, "rejected", nil)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrExpiredGrant, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	m.auditVerification(ctx, claims.SubjectRef, "verified", claims.Scopes)
	return claims, nil
}

func (m *Manager) auditVerification(ctx context.Context, subjectRef, outcome string, scopes []string) {
	if m.auditSink == nil {
		return
	}
	_, err := m.auditSink.Append(ctx, audit.Record{
		Actor:    audit.ActorSystem,
		Category: audit.CategoryConsent,
		Subject:  subjectRef,
		Action:   outcome,
		Payload:  map[string]any{"scopes": scopes},
	})
	if err != nil {
		m.logger.Error("consent verification audit failed", "error", err)
	}
}
