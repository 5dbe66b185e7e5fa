package security

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyClientID is the gin context key for the calling client ID.
	ContextKeyClientID = "clientID"
	// ContextKeyIsAdmin is the gin context key for admin authorization.
	ContextKeyIsAdmin = "isAdmin"

	// DefaultClientID is used when a request carries no X-Client-ID header.
	DefaultClientID = "default"
)

const RoleAdmin = "admin"

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID   string
	ClientID string
	IsAdmin  bool
}

// TokenResolver resolves bearer tokens to caller identities. It is initialized once at startup
// and shared by every HTTP route.
type TokenResolver struct {
	verifier      *oidc.IDTokenVerifier
	adminOIDCRole string
	admins        *AdminDirectory
	testingMode   bool
}

// NewTokenResolver creates a TokenResolver from the application config. It performs
// one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config, admins *AdminDirectory) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// NewProvider fetches from its issuer arg; accept the mismatched
			// issuer reported by the internal discovery document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to bearer-as-user auth", "issuer", oidcIssuer, "err", err)
		} else {
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	adminOIDCRole := strings.TrimSpace(cfg.AdminOIDCRole)
	if adminOIDCRole == "" {
		adminOIDCRole = RoleAdmin
	}
	if admins == nil {
		admins = NewAdminDirectory(cfg.AdminList())
	}

	return &TokenResolver{
		verifier:      verifier,
		adminOIDCRole: adminOIDCRole,
		admins:        admins,
		testingMode:   cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
	errJWTRequired     = errors.New("a signed JWT is required")
)

// Resolve resolves a bearer token into a caller Identity. Without OIDC the
// token itself is taken as the caller's email.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, clientIDHeader string) (*Identity, error) {
	var userID string
	isAdmin := false

	clientID := strings.TrimSpace(clientIDHeader)
	if clientID == "" {
		clientID = DefaultClientID
	}

	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}

		// Messaging identities are emails: prefer "email", then
		// "preferred_username", then "sub".
		var claims struct {
			Sub               string `json:"sub"`
			Email             string `json:"email"`
			PreferredUsername string `json:"preferred_username"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		userID = claims.Email
		if userID == "" {
			userID = claims.PreferredUsername
		}
		if userID == "" {
			userID = claims.Sub
		}
		if userID == "" {
			return nil, errMissingIdentity
		}

		var rawClaims map[string]any
		if err := idToken.Claims(&rawClaims); err == nil {
			if extractTokenRoles(rawClaims)[r.adminOIDCRole] {
				isAdmin = true
			}
		}
	} else {
		if r.verifier != nil && !r.testingMode {
			return nil, errJWTRequired
		}
		userID = strings.TrimSpace(bearerToken)
		if userID == "" {
			return nil, errMissingIdentity
		}
	}

	if r.admins.IsAdmin(userID) {
		isAdmin = true
	}

	return &Identity{
		UserID:   userID,
		ClientID: clientID,
		IsAdmin:  isAdmin,
	}, nil
}

// --- Gin HTTP middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetClientID returns the client ID from the gin context.
func GetClientID(c *gin.Context) string {
	if id := c.GetString(ContextKeyClientID); id != "" {
		return id
	}
	return DefaultClientID
}

// IsAdmin returns true if the request is from an admin.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// GetIdentity rebuilds the caller Identity stored by AuthMiddleware.
func GetIdentity(c *gin.Context) *Identity {
	userID := GetUserID(c)
	if userID == "" {
		return nil
	}
	return &Identity{UserID: userID, ClientID: GetClientID(c), IsAdmin: IsAdmin(c)}
}

// AuthMiddleware returns a gin middleware that extracts user identity from the Authorization header
// using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "not_authenticated", "error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "not_authenticated", "error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token, c.GetHeader("X-Client-ID"))
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "not_authenticated", "error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		c.Set(ContextKeyClientID, id.ClientID)
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdminRole requires the caller to have admin role.
func RequireAdminRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": "forbidden"})
			return
		}
		c.Next()
	}
}

// --- helpers ---

func extractTokenRoles(claims map[string]any) map[string]bool {
	result := map[string]bool{}
	addList := func(values []string) {
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			result[v] = true
		}
	}

	addList(toStringSlice(claims["roles"]))
	addList(toStringSlice(claims["groups"]))

	if scope, ok := claims["scope"].(string); ok {
		addList(strings.Fields(scope))
	}

	// Keycloak-style realm_access.roles.
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		addList(toStringSlice(realm["roles"]))
	}

	return result
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		var out []string
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
		return out
	}
}
