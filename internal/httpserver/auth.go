package httpserver

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "driftguard.authInfo"

// Role names carried in the JWT "roles" claim.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

// AuthInfo is the authenticated principal of a request.
type AuthInfo struct {
	// PeerCN is the client certificate common name when mTLS is used.
	PeerCN string

	// Subject is the sub claim of a validated bearer token.
	Subject string

	Roles []string
}

// Actor is the identity recorded in audit entries.
func (ai *AuthInfo) Actor() string {
	switch {
	case ai == nil:
		return ""
	case ai.Subject != "":
		return ai.Subject
	case ai.PeerCN != "":
		return "service:" + ai.PeerCN
	}
	return ""
}

// FromContext returns the AuthInfo stored in ctx, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	ai, _ := ctx.Value(ctxKeyAuthInfo).(*AuthInfo)
	return ai
}

// WithAuthInfo stores ai in ctx.
func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// AuthConfig controls request authentication.
type AuthConfig struct {
	// JWTSecret validates HS256 bearer tokens. Empty rejects every token.
	JWTSecret []byte

	// Issuer, when set, must match the iss claim.
	Issuer string

	// RequireMTLS rejects requests without a verified client certificate.
	RequireMTLS bool

	// Disabled admits every request as an admin. Development only.
	Disabled bool
}

var errNoCredentials = errors.New("authentication required: client certificate or bearer token")

// Authenticate resolves the principal from the client certificate and the
// bearer token. A presented token must be valid even when a certificate
// already identified the caller.
func Authenticate(cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Disabled {
				ai := &AuthInfo{Subject: "anonymous", Roles: []string{RoleAdmin}}
				next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
				return
			}

			ai := &AuthInfo{}
			if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
				ai.PeerCN = certCommonName(r.TLS.PeerCertificates[0])
			} else if cfg.RequireMTLS {
				respondError(w, http.StatusUnauthorized, codeUnauthorized, "mTLS required")
				return
			}

			if authz := r.Header.Get("Authorization"); authz != "" {
				if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					respondError(w, http.StatusUnauthorized, codeUnauthorized, "unsupported authorization scheme")
					return
				}
				if err := verifyToken(cfg, strings.TrimSpace(authz[7:]), ai); err != nil {
					logger.Info("token rejected", zap.String("peer_cn", ai.PeerCN), zap.Error(err))
					respondError(w, http.StatusUnauthorized, codeUnauthorized, "invalid token")
					return
				}
			}

			if ai.PeerCN == "" && ai.Subject == "" {
				respondError(w, http.StatusUnauthorized, codeUnauthorized, errNoCredentials.Error())
				return
			}
			logger.Debug("principal resolved",
				zap.String("peer_cn", ai.PeerCN),
				zap.String("subject", ai.Subject),
				zap.Strings("roles", ai.Roles))
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

func verifyToken(cfg AuthConfig, raw string, ai *AuthInfo) error {
	if len(cfg.JWTSecret) == 0 {
		return errors.New("bearer tokens not accepted")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return cfg.JWTSecret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return errors.New("missing sub claim")
	}
	ai.Subject = sub
	switch roles := claims["roles"].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				ai.Roles = append(ai.Roles, s)
			}
		}
	case string:
		ai.Roles = strings.Fields(roles)
	}
	return nil
}

func certCommonName(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}

// HasRole reports whether ai holds role. Admins hold every role. A client
// certificate whose CN equals the role name also counts, which lets service
// identities act without tokens.
func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return ai.PeerCN != "" && ai.PeerCN == role
}

// RequireAnyRole admits requests whose principal holds one of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ai := FromContext(r.Context())
			for _, role := range roles {
				if HasRole(ai, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusForbidden, codeForbidden, "forbidden")
		})
	}
}
