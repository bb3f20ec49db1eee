package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/canopy-network/statex/app/query/types"
	"github.com/canopy-network/statex/pkg/utils"
)

type Controller struct {
	App        *types.App
	Hub        *Hub
	AdminToken string
	Users      map[string]types.User
	JWTSecret  []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	adminToken := utils.Env("ADMIN_TOKEN", "devtoken")
	adminUser := utils.Env("ADMIN_USER", "admin")
	adminUsersJSON := utils.Env("ADMIN_USERS", "")
	adminPass := utils.Env("ADMIN_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("SESSION_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(adminPass)
	users := map[string]types.User{}
	users[adminUser] = types.User{Username: adminUser, Hash: phash, Role: "admin"}
	if adminUsersJSON != "" {
		_ = json.Unmarshal([]byte(adminUsersJSON), &users)
	}

	var evicter entityEvicter
	if app.Entities != nil {
		evicter = app.Entities
	}
	var refresher latestRefresher
	if app.Engine != nil {
		refresher = app.Engine
	}

	return &Controller{
		App:        app,
		Hub:        NewHub(app.Logger, evicter, refresher),
		AdminToken: adminToken,
		Users:      users,
		JWTSecret:  jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodDelete+", "+http.MethodOptions)
		w.Header().Set("Access-Control-Expose-Headers", "X-Credits, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRequestID tags every request with an X-Request-Id, keeping one the caller sent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// NewRouter registers every route. The computation route matches anything the fixed routes
// don't, so it goes last.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(withRequestID)

	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/formulas/{type}", c.HandleFormulas).Methods(http.MethodGet)
	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/admin/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/admin/logout", c.HandleAdminLogout).Methods(http.MethodPost)
	r.Handle("/admin/computations/{address}", c.RequireAdmin(http.HandlerFunc(c.HandleDeleteComputations))).Methods(http.MethodDelete)

	r.HandleFunc("/{type}/{address}/{formula:.+}", c.HandleCompute).Methods(http.MethodGet)

	return r, nil
}

func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}
