package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Credential is one configured operator account.
type Credential struct {
	Email    string
	Password string
	Name     string
	Roles    []string
}

// ParseUsers reads the AUTH_USERS format "email:password:name:role1,role2;...".
// Entries with fewer than four fields are rejected.
func ParseUsers(users string) ([]Credential, error) {
	var creds []Credential
	for i, raw := range strings.Split(users, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 4)
		if len(parts) != 4 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("auth user %d: expected email:password:name:roles", i+1)
		}

		var roles []string
		for _, r := range strings.Split(parts[3], ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		if len(roles) == 0 {
			roles = []string{RoleViewer}
		}

		creds = append(creds, Credential{
			Email:    strings.TrimSpace(parts[0]),
			Password: parts[1],
			Name:     strings.TrimSpace(parts[2]),
			Roles:    roles,
		})
	}
	return creds, nil
}

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	user, err := h.manager.Authenticate(req.Email, req.Password)
	if err != nil {
		log.Warn().Str("email", req.Email).Str("remote_addr", c.RealIP()).Msg("login failed")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}

	token, err := h.manager.GenerateToken(*user)
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to generate token"})
	}

	log.Info().Str("email", user.Email).Strs("roles", user.Roles).Msg("operator logged in")
	return c.JSON(http.StatusOK, LoginResponse{Token: token, User: *user})
}

func (h *Handler) Me(c echo.Context) error {
	user := GetUserFromContext(c)
	if user == nil {
		if !h.manager.RequireAuth() {
			return c.JSON(http.StatusOK, User{ID: "anonymous", Name: "anonymous", Roles: []string{RoleAdmin}})
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	return c.JSON(http.StatusOK, user)
}

// Authenticate checks email and password against the configured accounts.
func (m *Manager) Authenticate(email, password string) (*User, error) {
	email = strings.TrimSpace(email)
	for _, cred := range m.config.Users {
		if !strings.EqualFold(cred.Email, email) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(cred.Password), []byte(password)) != 1 {
			return nil, ErrInvalidCredentials
		}
		return &User{
			ID:    userID(cred.Email),
			Email: cred.Email,
			Name:  cred.Name,
			Roles: cred.Roles,
		}, nil
	}
	return nil, ErrInvalidCredentials
}

func userID(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return "user_" + hex.EncodeToString(sum[:8])
}
