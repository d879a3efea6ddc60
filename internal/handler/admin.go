package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/papergrader/internal/model"
)

type overrideRequest struct {
	Marks    *int   `json:"marks"`
	Feedback string `json:"feedback"`
}

// handleOverride records a manual mark for one evaluation. The marks must
// lie within the question's maximum.
func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evaluationID")
	var req overrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Marks == nil {
		writeError(w, r, http.StatusBadRequest, "ErrBadRequest")
		return
	}

	ev, err := h.store.GetEvaluation(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if *req.Marks < 0 || *req.Marks > ev.Result.MaxMarks {
		writeErrorText(w, http.StatusBadRequest, "marks must be between 0 and "+strconv.Itoa(ev.Result.MaxMarks))
		return
	}
	if err := h.store.OverrideEvaluation(r.Context(), id, *req.Marks, req.Feedback); err != nil {
		h.fail(w, r, err)
		return
	}
	updated, err := h.store.GetEvaluation(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	slog.Info("manual override", "evaluation", id, "marks", *req.Marks, "by", currentUsername(r))
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for i := range users {
		out = append(out, viewUser(&users[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Username    string         `json:"username"`
	DisplayName string         `json:"display_name"`
	Password    string         `json:"password"`
	Role        model.UserRole `json:"role"`
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeErrorText(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = model.UserRoleGrader
	}
	if req.Role != model.UserRoleGrader && req.Role != model.UserRoleAdmin {
		writeErrorText(w, http.StatusBadRequest, "invalid role")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.store.CreateUser(r.Context(), model.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
	})
	if err != nil {
		writeErrorText(w, http.StatusConflict, "could not create user (username may already exist)")
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewUser(u))
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeErrorText(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	if cur := model.UserFromContext(r.Context()); cur != nil && cur.ID == id {
		writeErrorText(w, http.StatusBadRequest, "cannot deactivate yourself")
		return
	}
	if err := h.store.ToggleUserActive(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	u, err := h.store.GetUserByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if u == nil {
		writeError(w, r, http.StatusNotFound, "ErrNotFound")
		return
	}
	writeJSON(w, http.StatusOK, viewUser(u))
}
