package controller

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/canopy-network/statex/pkg/utils"
)

const sessionCookie = "sx_session"

// ValidateToken checks for a Bearer token equal to AdminToken.
func (c *Controller) ValidateToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ") == c.AdminToken
	}
	return false
}

// sessionClaims returns the claims of a valid session cookie.
func (c *Controller) sessionClaims(r *http.Request) (jwt.MapClaims, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	tok, err := jwt.Parse(cookie.Value, func(t *jwt.Token) (any, error) { return c.JWTSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, false
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	return claims, ok
}

// RequireAdmin accepts the admin token or an admin session.
func (c *Controller) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.ValidateToken(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := c.sessionClaims(r)
		if !ok {
			c.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			c.writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueSession sets an 8 hour session cookie.
func (c *Controller) IssueSession(w http.ResponseWriter, username, role string) {
	ttl := 8 * time.Hour
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  username,
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	})
	ss, _ := token.SignedString(c.JWTSecret)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    ss,
		Path:     "/",
		HttpOnly: true,
		Secure:   os.Getenv("ENVIRONMENT") == "production",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (c *Controller) currentUser(r *http.Request) string {
	if c.ValidateToken(r) {
		return "api-token"
	}
	if claims, ok := c.sessionClaims(r); ok {
		if sub, _ := claims["sub"].(string); sub != "" {
			return sub
		}
	}
	return "unknown"
}

func (c *Controller) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	u, ok := c.Users[in.Username]
	if !ok || !utils.CheckPassword(u.Hash, in.Password) {
		c.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	c.IssueSession(w, in.Username, u.Role)
	c.writeJSON(w, http.StatusOK, map[string]string{"ok": "1"})
}

func (c *Controller) HandleAdminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteComputations drops every cached computation of an address, for use after a
// formula's logic changed.
func (c *Controller) HandleDeleteComputations(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	n, err := c.App.Engine.DeleteComputations(r.Context(), address)
	if err != nil {
		c.App.Logger.Error("Failed to delete computations", zap.String("address", address), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, "failed to delete computations")
		return
	}
	c.App.Logger.Info("Computations deleted",
		zap.String("address", address),
		zap.Int64("count", n),
		zap.String("user", c.currentUser(r)))
	c.writeJSON(w, http.StatusOK, map[string]any{"address": address, "deleted": n})
}
