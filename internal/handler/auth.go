package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/papergrader/internal/model"
)

type userView struct {
	ID          int64          `json:"id"`
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Role        model.UserRole `json:"role"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

func viewUser(u *model.User) userView {
	return userView{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt,
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if user == nil || !user.Active {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, r, http.StatusUnauthorized, "ErrInvalidCredentials")
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("user logged in", "username", user.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: viewUser(user)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := h.store.DeleteAuthSession(r.Context(), token); err != nil {
			slog.Error("failed to delete auth session", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth resolves the bearer token to an active user.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		sess, err := h.store.GetAuthSession(r.Context(), token)
		if err != nil || sess == nil {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(r.Context(), sess.UserID)
		if err != nil || user == nil || !user.Active {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole restricts access to users with one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil || !slices.Contains(allowed, user.Role) {
				writeError(w, r, http.StatusForbidden, "ErrForbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func currentUsername(r *http.Request) string {
	if u := model.UserFromContext(r.Context()); u != nil {
		return u.Username
	}
	return ""
}
