package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/deepchat-app/deepchat/internal/api"
	"github.com/deepchat-app/deepchat/internal/users"
)

type Handler struct {
	authSvc  *Service
	userSvc  *users.Service
	validate *validator.Validate
}

func NewHandler(authSvc *Service, userSvc *users.Service) *Handler {
	return &Handler{
		authSvc:  authSvc,
		userSvc:  userSvc,
		validate: validator.New(),
	}
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"fullName" validate:"max=100"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type UpdateProfileRequest struct {
	FullName string `json:"fullName" validate:"required,min=1,max=100"`
}

type authResponse struct {
	User   *users.User `json:"user"`
	Tokens *TokenPair  `json:"tokens"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	exists, err := h.userSvc.ExistsByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("checking email existence", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if exists {
		api.HandleError(w, r, api.ErrEmailAlreadyExists)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		slog.Error("hashing password", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	user, err := h.userSvc.Create(r.Context(), req.Email, hash, req.FullName)
	if err != nil {
		slog.Error("creating user", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	tokens, err := h.authSvc.GenerateTokens(r.Context(), user.ID.String(), user.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	api.JSON(w, r, http.StatusCreated, authResponse{User: user, Tokens: tokens})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	user, err := h.userSvc.GetByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("getting user by email", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}
	if user == nil {
		api.HandleError(w, r, api.ErrInvalidCredentials)
		return
	}

	if err := ComparePassword(user.PasswordHash, req.Password); err != nil {
		api.HandleError(w, r, api.ErrInvalidCredentials)
		return
	}

	if err := h.userSvc.TouchLastLogin(r.Context(), user.ID); err != nil {
		slog.Warn("updating last login", "error", err, "user_id", user.ID)
	}

	tokens, err := h.authSvc.GenerateTokens(r.Context(), user.ID.String(), user.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	api.JSON(w, r, http.StatusOK, authResponse{User: user, Tokens: tokens})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	tokens, err := h.authSvc.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		slog.Warn("refreshing tokens", "error", err)
		api.HandleError(w, r, api.ErrTokenInvalid)
		return
	}

	api.JSON(w, r, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.Logout(r.Context(), claims.UserID); err != nil {
		slog.Error("logging out", "error", err)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	api.JSON(w, r, http.StatusOK, map[string]string{"message": "logged out successfully"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	api.JSON(w, r, http.StatusOK, map[string]any{
		"user": user,
		"usage": map[string]any{
			"monthlyMessageCount": user.MonthlyMessageCount,
			"monthlyLimit":        users.MonthlyLimit(user.SubscriptionTier),
			"remainingMessages":   users.RemainingMessages(user),
		},
	})
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, r, api.NewValidationError("invalid request body", nil))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, r, api.FromValidationError(err))
		return
	}

	if err := h.userSvc.UpdateProfile(r.Context(), user.ID, req.FullName); err != nil {
		slog.Error("updating profile", "error", err, "user_id", user.ID)
		api.HandleError(w, r, api.ErrInternalServer)
		return
	}

	user.FullName = req.FullName
	api.JSON(w, r, http.StatusOK, user)
}

// currentUser loads the authenticated user, with the monthly counter
// lazily reset so usage numbers are always current.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (*users.User, bool) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return nil, false
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, r, api.ErrTokenInvalid)
		return nil, false
	}

	user, err := h.userSvc.CheckedUser(r.Context(), userID)
	if err != nil {
		slog.Error("loading current user", "error", err, "user_id", userID)
		api.HandleError(w, r, api.ErrInternalServer)
		return nil, false
	}
	if user == nil {
		api.HandleError(w, r, api.ErrUnauthorized)
		return nil, false
	}
	return user, true
}
