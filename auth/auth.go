package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codekudos/models"
)

// Context keys for storing authenticated user information.
type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeySub    contextKey = "subject"
	contextKeyRole   contextKey = "role"
)

// Role represents an authorized persona within the reward system.
type Role string

// Supported roles. Developers read their own data, managers record the first
// approval, HR records the second, operators drive distribution and recon.
const (
	RoleDeveloper Role = Role(models.RoleDeveloper)
	RoleManager   Role = Role(models.RoleManager)
	RoleHR        Role = Role(models.RoleHR)
	RoleOperator  Role = Role(models.RoleOperator)
)

var allowedRoles = map[Role]struct{}{
	RoleDeveloper: {},
	RoleManager:   {},
	RoleHR:        {},
	RoleOperator:  {},
}

// KnownRole reports whether the supplied role is recognised.
func KnownRole(role Role) bool {
	_, ok := allowedRoles[role]
	return ok
}

// Claims represents identity data extracted from the inbound request.
type Claims struct {
	Subject    string
	Role       Role
	Attributes jwt.MapClaims
}

// Options controls signature verification and token issuance.
type Options struct {
	Secret         []byte
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	MaxSkewSeconds int
}

// Authenticator verifies and issues HS256 bearer tokens.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	tokenTTL time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// New constructs an authenticator from the supplied options.
func New(opts Options) (*Authenticator, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	leeway := time.Duration(opts.MaxSkewSeconds) * time.Second
	if opts.MaxSkewSeconds <= 0 {
		leeway = 30 * time.Second
	}
	return &Authenticator{
		secret:   opts.Secret,
		issuer:   issuer,
		audience: audience,
		tokenTTL: tokenTTL,
		leeway:   leeway,
		now:      time.Now,
	}, nil
}

// WithClock overrides the time source, primarily for tests.
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	a.now = clock
	return a
}

// Issue mints a signed token binding the subject to a role.
func (a *Authenticator) Issue(subject string, role Role) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	if !KnownRole(role) {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"iss":  a.issuer,
		"aud":  a.audience,
		"iat":  now.Unix(),
		"exp":  now.Add(a.tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses the raw token, validating signature, issuer, audience, and
// expiry, and extracts the subject and role.
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}

	roleRaw, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(roleRaw)))
	if !KnownRole(role) {
		return nil, fmt.Errorf("auth: no permitted role in token claims")
	}

	return &Claims{Subject: subject, Role: role, Attributes: claims}, nil
}

// Middleware enforces bearer authentication before invoking the next handler.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := a.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeySub, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by the middleware.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	subject, ok := ctx.Value(contextKeySub).(string)
	if !ok || subject == "" {
		return nil, errors.New("missing subject in context")
	}
	roleStr, ok := ctx.Value(contextKeyRole).(string)
	if !ok || roleStr == "" {
		return nil, errors.New("missing role in context")
	}
	return &Claims{Subject: subject, Role: Role(roleStr)}, nil
}

// WithClaims attaches claims to a context. Tests use this to impersonate.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, contextKeyClaims, claims)
	ctx = context.WithValue(ctx, contextKeySub, claims.Subject)
	return context.WithValue(ctx, contextKeyRole, string(claims.Role))
}

// RequireRole ensures the authenticated user has at least one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
