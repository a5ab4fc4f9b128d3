package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"nhblend/native/lending"
)

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type contextKey string

const contextKeyPrincipal contextKey = "lending.principal"

// scopeRoles maps token scopes to engine capabilities.
var scopeRoles = map[string]lending.Role{
	"lending:borrow":    lending.RoleBorrower,
	"lending:supply":    lending.RoleSupplier,
	"lending:liquidate": lending.RoleLiquidator,
	"lending:risk":      lending.RoleRiskManager,
	"lending:admin":     lending.RoleAdmin,
}

// Authenticator turns a bearer JWT into a lending.Principal. The subject claim
// carries the caller's hex address and the scope claim its capabilities.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, logger: logger, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware attaches the caller's principal to the request context. Requests
// without a token pass through anonymously; the engine rejects anonymous
// writes. A token that is present but invalid is refused outright.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(header)
		if tokenString == "" {
			http.Error(w, "malformed authorization header", http.StatusUnauthorized)
			return
		}
		principal, err := a.Principal(tokenString)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Principal verifies tokenString and derives the caller identity.
func (a *Authenticator) Principal(tokenString string) (lending.Principal, error) {
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return lending.Principal{}, err
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return lending.Principal{}, err
	}
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if !common.IsHexAddress(sub) {
		return lending.Principal{}, errors.New("subject is not an address")
	}
	return lending.NewPrincipal(common.HexToAddress(sub), rolesFromScopes(extractScopes(claims, a.cfg.ScopeClaim))...), nil
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p lending.Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext returns the authenticated caller, or an anonymous
// principal when the request carried no token.
func PrincipalFromContext(ctx context.Context) (lending.Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(lending.Principal)
	return p, ok
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	raw, ok := claims[scopeClaim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func rolesFromScopes(scopes []string) []lending.Role {
	seen := make(map[lending.Role]struct{}, len(scopes))
	roles := make([]lending.Role, 0, len(scopes))
	for _, scope := range scopes {
		role, ok := scopeRoles[strings.ToLower(strings.TrimSpace(scope))]
		if !ok {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
