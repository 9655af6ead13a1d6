package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
	RoleViewer   = "viewer"

	issuer         = "hook-gateway"
	userContextKey = "user"

	// HookTokenHeader carries the shared secret sent by the forwarder scripts.
	HookTokenHeader = "X-Hook-Token"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

// User is the authenticated operator behind an admin request.
type User struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the user holds role. Admins hold every role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type Claims struct {
	User
	jwt.RegisteredClaims
}

type Config struct {
	JWTSecret       string
	TokenExpiration time.Duration
	RequireAuth     bool
	Users           []Credential
	// PublicPaths bypass the JWT check. Defaults to /health, /login, /hook and /status.
	PublicPaths []string
}

type Manager struct {
	config Config
	public map[string]bool
}

func NewManager(config Config) *Manager {
	if config.TokenExpiration == 0 {
		config.TokenExpiration = 12 * time.Hour
	}
	if len(config.PublicPaths) == 0 {
		config.PublicPaths = []string{"/health", "/login", "/hook", "/status"}
	}

	public := make(map[string]bool, len(config.PublicPaths))
	for _, p := range config.PublicPaths {
		public[p] = true
	}
	return &Manager{config: config, public: public}
}

func (m *Manager) RequireAuth() bool { return m.config.RequireAuth }

// Middleware validates the bearer token on every non-public path when auth
// is required and stores the user on the echo context.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth || m.public[c.Path()] || m.public[c.Request().URL.Path] {
				return next(c)
			}

			token := bearerToken(c.Request())
			if token == "" {
				// browsers cannot set headers on websocket upgrades
				token = c.QueryParam("token")
			}
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}

			user, err := m.ValidateToken(token)
			if err != nil {
				log.Debug().Err(err).Str("path", c.Request().URL.Path).Msg("rejected token")
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			}

			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// RequireRole rejects authenticated users lacking role. It is a no-op when
// auth is disabled.
func (m *Manager) RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !m.config.RequireAuth {
				return next(c)
			}

			user := GetUserFromContext(c)
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			if !user.HasRole(role) {
				log.Warn().Str("email", user.Email).Str("role", role).Msg("role check failed")
				return c.JSON(http.StatusForbidden, map[string]string{"error": "insufficient permissions"})
			}
			return next(c)
		}
	}
}

// HookTokenMiddleware guards the hook endpoint with a shared secret. An
// empty token disables the check.
func HookTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			got := c.Request().Header.Get(HookTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"decision": "deny",
					"reason":   "unauthorized",
				})
			}
			return next(c)
		}
	}
}

func (m *Manager) GenerateToken(user User) (string, error) {
	if m.config.JWTSecret == "" {
		return "", ErrNoSecret
	}

	now := time.Now()
	claims := Claims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenExpiration)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (m *Manager) ValidateToken(tokenString string) (*User, error) {
	if m.config.JWTSecret == "" {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	user := claims.User
	return &user, nil
}

func GetUserFromContext(c echo.Context) *User {
	user, _ := c.Get(userContextKey).(*User)
	return user
}

// Actor names whoever is behind the request for audit fields. Without auth
// it falls back to the supplied name, then "operator".
func Actor(c echo.Context, fallback string) string {
	if user := GetUserFromContext(c); user != nil {
		return user.Email
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return "operator"
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(echo.HeaderAuthorization)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
