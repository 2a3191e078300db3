// Package access decides who may conduct an auction and who may bid for
// which team.
//
// Roles come from a single assignment table built from configuration:
// admins by email or email domain, team owners by email. Identities are read
// from HS256 session tokens issued by the hosted auth provider.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/config"
)

// Errors returned by the access layer.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidToken    = errors.New("invalid session token")
)

// Role orders what an identity may do. Higher roles include lower ones.
type Role int

const (
	Viewer Role = iota
	TeamOwner
	Admin
)

func (r Role) String() string {
	switch r {
	case Admin:
		return "admin"
	case TeamOwner:
		return "team_owner"
	default:
		return "viewer"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Policy maps emails to roles.
type Policy struct {
	admins  map[string]struct{}
	domains []string
	owners  map[string]string
}

// NewPolicy builds a Policy from configuration. Emails and domains are
// matched case-insensitively.
func NewPolicy(cfg config.AccessConfig) *Policy {
	p := &Policy{
		admins: make(map[string]struct{}, len(cfg.AdminEmails)),
		owners: make(map[string]string, len(cfg.TeamOwners)),
	}
	for _, e := range cfg.AdminEmails {
		p.admins[normalize(e)] = struct{}{}
	}
	for _, d := range cfg.AdminDomains {
		p.domains = append(p.domains, strings.TrimPrefix(normalize(d), "@"))
	}
	for e, team := range cfg.TeamOwners {
		p.owners[normalize(e)] = team
	}
	return p
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Role returns the role of email. Unknown or empty emails are viewers.
func (p *Policy) Role(email string) Role {
	email = normalize(email)
	if email == "" {
		return Viewer
	}
	if _, ok := p.admins[email]; ok {
		return Admin
	}
	if at := strings.LastIndexByte(email, '@'); at >= 0 {
		domain := email[at+1:]
		for _, d := range p.domains {
			if domain == d {
				return Admin
			}
		}
	}
	if _, ok := p.owners[email]; ok {
		return TeamOwner
	}
	return Viewer
}

// TeamOf returns the team owned by email.
func (p *Policy) TeamOf(email string) (string, bool) {
	team, ok := p.owners[normalize(email)]
	return team, ok
}

// CanBidFor reports whether email may place bids for teamID. Admins may bid
// for any team.
func (p *Policy) CanBidFor(email, teamID string) bool {
	switch p.Role(email) {
	case Admin:
		return true
	case TeamOwner:
		team, _ := p.TeamOf(email)
		return team == teamID
	default:
		return false
	}
}

// Identity is the caller of a request.
type Identity struct {
	Subject string `json:"sub,omitempty"`
	Email   string `json:"email,omitempty"`
	Role    Role   `json:"role"`
	TeamID  string `json:"team_id,omitempty"`
}

// Anonymous reports whether the request carried no session.
func (id Identity) Anonymous() bool {
	return id.Subject == "" && id.Email == ""
}

// Claims is the session token payload.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks session tokens and resolves identities against a Policy.
type Verifier struct {
	secret []byte
	policy *Policy
	clock  clock.Clock
}

// NewVerifier creates a Verifier. An empty secret rejects every token.
func NewVerifier(secret string, policy *Policy, clk clock.Clock) *Verifier {
	return &Verifier{secret: []byte(secret), policy: policy, clock: clk}
}

// Policy returns the policy identities are resolved against.
func (v *Verifier) Policy() *Policy { return v.policy }

// Verify parses and validates token.
func (v *Verifier) Verify(token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		Subject: claims.Subject,
		Email:   normalize(claims.Email),
		Role:    v.policy.Role(claims.Email),
	}
	id.TeamID, _ = v.policy.TeamOf(claims.Email)
	return id, nil
}

// Sign issues a token for email, valid for ttl. It is used by operator
// tooling and tests; production sessions come from the auth provider.
func (v *Verifier) Sign(subject, email string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by Middleware, or an anonymous
// viewer.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// Middleware attaches the caller's identity to the request context. Requests
// without a token continue as anonymous viewers; requests with a bad token
// are rejected.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers use for websockets.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Check returns ErrUnauthenticated or ErrForbidden when id lacks role.
func Check(id Identity, role Role) error {
	if id.Role >= role {
		return nil
	}
	if id.Anonymous() {
		return ErrUnauthenticated
	}
	return fmt.Errorf("%w: %s role required", ErrForbidden, role)
}

// Require wraps next so that it only runs for callers with at least role.
func Require(role Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := Check(FromContext(r.Context()), role); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, ErrUnauthenticated) {
				status = http.StatusUnauthorized
			}
			http.Error(w, err.Error(), status)
			return
		}
		next(w, r)
	}
}
