package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/repotrack/internal/apperror"
	"github.com/sakif/repotrack/internal/auth"
	"github.com/sakif/repotrack/internal/model"
	"github.com/sakif/repotrack/internal/service"
)

// AccountService is what AccountHandler needs from the service layer.
// *service.AccountService implements it; handler tests use a stub.
type AccountService interface {
	Register(ctx context.Context, in service.RegisterInput) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	CurrentAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateProfile(ctx context.Context, id string, in service.ProfileInput) (*model.Account, error)
	UpdatePassword(ctx context.Context, id, password string) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// AccountHandler serves /api/users/*.
//
// Handlers only translate: decode the body, call one service method, encode
// the result. Rules about what is valid live in the service.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

// registerRequest accepts the secondary identifier under either name; older
// clients send it as "rut".
type registerRequest struct {
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	Email               string     `json:"email"`
	Password            string     `json:"password"`
	DateOfBirth         model.Date `json:"dateOfBirth"`
	SecondaryIdentifier string     `json:"secondaryIdentifier"`
	Rut                 string     `json:"rut"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profileRequest struct {
	FirstName           *string     `json:"firstName"`
	LastName            *string     `json:"lastName"`
	Email               *string     `json:"email"`
	DateOfBirth         *model.Date `json:"dateOfBirth"`
	SecondaryIdentifier *string     `json:"secondaryIdentifier"`
	Rut                 *string     `json:"rut"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

// ProfileResponse is the current-user view. It has no id and no password
// field.
type ProfileResponse struct {
	FirstName           string     `json:"firstName"`
	LastName            string     `json:"lastName"`
	Email               string     `json:"email"`
	DateOfBirth         model.Date `json:"dateOfBirth"`
	SecondaryIdentifier *string    `json:"secondaryIdentifier,omitempty"`
}

// HandleRegister creates an account.
//
// HTTP: POST /api/users/register → 201 {"message", "token"}
func (h *AccountHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	secondary := req.SecondaryIdentifier
	if secondary == "" {
		secondary = req.Rut
	}

	res, err := h.accounts.Register(r.Context(), service.RegisterInput{
		FirstName:           req.FirstName,
		LastName:            req.LastName,
		Email:               req.Email,
		Password:            req.Password,
		DateOfBirth:         req.DateOfBirth,
		SecondaryIdentifier: secondary,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TokenResponse{Message: "User registered successfully", Token: res.Token})
}

// HandleLogin exchanges email and password for a token.
//
// HTTP: POST /api/users/login → 200 {"message", "token"}
func (h *AccountHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Message: "Login successful", Token: res.Token})
}

// HandleCurrentUser returns the caller's profile.
//
// HTTP: GET /api/users/current-user
func (h *AccountHandler) HandleCurrentUser(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	account, err := h.accounts.CurrentAccount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{
		FirstName:           account.FirstName,
		LastName:            account.LastName,
		Email:               account.Email,
		DateOfBirth:         account.DateOfBirth,
		SecondaryIdentifier: account.SecondaryIdentifier,
	})
}

// HandleUpdateProfile applies a partial profile update. Fields that are
// absent, null or blank keep their value.
//
// HTTP: PUT /api/users/update-profile
func (h *AccountHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	secondary := req.SecondaryIdentifier
	if secondary == nil {
		secondary = req.Rut
	}

	if _, err := h.accounts.UpdateProfile(r.Context(), id, service.ProfileInput{
		FirstName:           req.FirstName,
		LastName:            req.LastName,
		Email:               req.Email,
		DateOfBirth:         req.DateOfBirth,
		SecondaryIdentifier: secondary,
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Profile updated successfully"})
}

// HandleUpdatePassword replaces the caller's password.
//
// HTTP: PUT /api/users/update-password
func (h *AccountHandler) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.accounts.UpdatePassword(r.Context(), id, req.Password); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MessageResponse{Message: "Password updated successfully"})
}

// HandleListAccounts returns every account without password hashes.
//
// HTTP: GET /api/users/all-users
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListAccounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// HandleProtected confirms the token is valid.
//
// HTTP: GET /api/protected, GET /api/users/protected
func (h *AccountHandler) HandleProtected(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Protected route, user authenticated"})
}

// accountID reads the id RequireAuth stored in the context. A handler
// mounted without RequireAuth answers 401 rather than panicking.
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("invalid token"))
		return "", false
	}
	return id, true
}
