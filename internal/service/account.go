// Package service holds the business rules for accounts. It knows nothing
// about HTTP: handlers call it with plain values and map the apperror kinds
// it returns to status codes.
//
//	AccountHandler (HTTP) → AccountService → AccountRepository (SQL)
//	                                       ↘ Hasher (bcrypt pool)
//	                                       ↘ TokenIssuer (JWT)
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"

	"github.com/sakif/repotrack/internal/apperror"
	"github.com/sakif/repotrack/internal/auth"
	"github.com/sakif/repotrack/internal/logging"
	"github.com/sakif/repotrack/internal/model"
	"github.com/sakif/repotrack/internal/repository"
)

// TokenIssuer issues a signed token for an account id. *auth.TokenService
// implements it.
type TokenIssuer interface {
	Issue(accountID string) (string, error)
}

// EventRecorder counts authentication outcomes. A nil recorder is allowed.
type EventRecorder interface {
	AuthEvent(event, outcome string)
}

// Auth event names and outcomes reported to the EventRecorder.
const (
	EventRegister       = "register"
	EventLogin          = "login"
	EventPasswordChange = "password_change"

	OutcomeSuccess   = "success"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeDenied    = "denied"
	OutcomeError     = "error"
)

// AccountService implements register, login and the profile operations.
type AccountService struct {
	accounts repository.AccountRepository
	hasher   auth.Hasher
	tokens   TokenIssuer
	events   EventRecorder
	validate *validator.Validate
	logger   *slog.Logger
}

// Option customizes an AccountService.
type Option func(*AccountService)

// WithEventRecorder reports auth outcomes to r.
func WithEventRecorder(r EventRecorder) Option {
	return func(s *AccountService) { s.events = r }
}

// WithClock sets the clock used for date-of-birth checks.
func WithClock(now func() time.Time) Option {
	return func(s *AccountService) { s.validate = newValidator(now) }
}

// NewAccountService wires the service. Call it from server.New.
func NewAccountService(
	accounts repository.AccountRepository,
	hasher auth.Hasher,
	tokens TokenIssuer,
	logger *slog.Logger,
	opts ...Option,
) *AccountService {
	s := &AccountService{
		accounts: accounts,
		hasher:   hasher,
		tokens:   tokens,
		validate: newValidator(time.Now),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput is the registration form.
type RegisterInput struct {
	FirstName           string     `json:"firstName"           validate:"required,max=100"`
	LastName            string     `json:"lastName"            validate:"required,max=100"`
	Email               string     `json:"email"               validate:"required,email,max=254"`
	Password            string     `json:"password"            validate:"required,maxbytes"`
	DateOfBirth         model.Date `json:"dateOfBirth"         validate:"required,birthdate"`
	SecondaryIdentifier string     `json:"secondaryIdentifier" validate:"omitempty,rut"`
}

// ProfileInput is a partial profile update. Nil and blank fields keep the
// stored value. Passwords change through UpdatePassword only.
type ProfileInput struct {
	FirstName           *string     `json:"firstName"           validate:"omitempty,max=100"`
	LastName            *string     `json:"lastName"            validate:"omitempty,max=100"`
	Email               *string     `json:"email"               validate:"omitempty,email,max=254"`
	DateOfBirth         *model.Date `json:"dateOfBirth"         validate:"omitempty,birthdate"`
	SecondaryIdentifier *string     `json:"secondaryIdentifier" validate:"omitempty,rut"`
}

type loginInput struct {
	Email    string `json:"email"    validate:"required"`
	Password string `json:"password" validate:"required"`
}

type passwordInput struct {
	Password string `json:"password" validate:"required,maxbytes"`
}

// AuthResult bundles the account and the token issued for it.
type AuthResult struct {
	Account *model.Account
	Token   string
}

// Register creates an account and issues its first token.
//
// The duplicate lookups are a fast path for a friendly error; the store's
// unique indexes still decide, so a concurrent registration that slips past
// them fails with the same ErrDuplicate.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = normalizeEmail(in.Email)
	in.SecondaryIdentifier = strings.TrimSpace(in.SecondaryIdentifier)

	if err := s.validate.Struct(in); err != nil {
		s.record(EventRegister, OutcomeInvalid)
		return nil, validationError(err)
	}

	var secondary *string
	if in.SecondaryIdentifier != "" {
		canonical := CanonicalRUT(in.SecondaryIdentifier)
		secondary = &canonical
	}

	if err := s.ensureEmailFree(ctx, in.Email, ""); err != nil {
		return nil, s.registerFailed(err)
	}
	if secondary != nil {
		if err := s.ensureSecondaryFree(ctx, *secondary, ""); err != nil {
			return nil, s.registerFailed(err)
		}
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return nil, s.registerFailed(oops.In("service").Code("HASH_FAILED").With("operation", "register").Wrap(err))
	}

	account := &model.Account{
		FirstName:           in.FirstName,
		LastName:            in.LastName,
		Email:               in.Email,
		PasswordHash:        hash,
		DateOfBirth:         in.DateOfBirth,
		SecondaryIdentifier: secondary,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, s.registerFailed(err)
	}

	token, err := s.tokens.Issue(account.ID)
	if err != nil {
		return nil, s.registerFailed(oops.In("service").Code("TOKEN_ISSUE_FAILED").With("accountID", account.ID).Wrap(err))
	}

	s.record(EventRegister, OutcomeSuccess)
	s.logger.Info("account registered", slog.String("accountID", account.ID))
	return &AuthResult{Account: account, Token: token}, nil
}

func (s *AccountService) registerFailed(err error) error {
	if errors.Is(err, apperror.ErrDuplicate) {
		s.record(EventRegister, OutcomeDuplicate)
		return err
	}
	s.record(EventRegister, OutcomeError)
	return s.internal("registering account", err)
}

// Login checks email and password and issues a token.
//
// Unknown email → ErrNotFound (404); wrong password → ErrUnauthorized (401).
func (s *AccountService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	in := loginInput{Email: normalizeEmail(email), Password: password}
	if err := s.validate.Struct(in); err != nil {
		s.record(EventLogin, OutcomeInvalid)
		return nil, validationError(err)
	}

	account, err := s.accounts.FindByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.record(EventLogin, OutcomeNotFound)
			return nil, apperror.NotFoundMessage("user not found")
		}
		s.record(EventLogin, OutcomeError)
		return nil, s.internal("looking up account for login", err)
	}

	ok, err := s.hasher.Verify(ctx, in.Password, account.PasswordHash)
	if err != nil {
		s.record(EventLogin, OutcomeError)
		return nil, s.internal("verifying password", err, slog.String("accountID", account.ID))
	}
	if !ok {
		s.record(EventLogin, OutcomeDenied)
		return nil, apperror.Unauthorized("invalid credentials")
	}

	token, err := s.tokens.Issue(account.ID)
	if err != nil {
		s.record(EventLogin, OutcomeError)
		return nil, s.internal("issuing token", err, slog.String("accountID", account.ID))
	}

	s.record(EventLogin, OutcomeSuccess)
	return &AuthResult{Account: account, Token: token}, nil
}

// CurrentAccount returns the account behind an authenticated request.
func (s *AccountService) CurrentAccount(ctx context.Context, id string) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, err
		}
		return nil, s.internal("loading current account", err, slog.String("accountID", id))
	}
	return account, nil
}

// UpdateProfile applies a partial profile update. Blank strings count as
// "not provided".
func (s *AccountService) UpdateProfile(ctx context.Context, id string, in ProfileInput) (*model.Account, error) {
	in.FirstName = blankToNil(in.FirstName)
	in.LastName = blankToNil(in.LastName)
	in.Email = blankToNil(in.Email)
	in.SecondaryIdentifier = blankToNil(in.SecondaryIdentifier)
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		in.Email = &email
	}
	if in.DateOfBirth != nil && in.DateOfBirth.IsZero() {
		in.DateOfBirth = nil
	}

	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	patch := model.AccountPatch{
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		DateOfBirth: in.DateOfBirth,
	}
	if in.SecondaryIdentifier != nil {
		canonical := CanonicalRUT(*in.SecondaryIdentifier)
		patch.SecondaryIdentifier = &canonical
	}

	if _, err := s.CurrentAccount(ctx, id); err != nil {
		return nil, err
	}
	if patch.Email != nil {
		if err := s.ensureEmailFree(ctx, *patch.Email, id); err != nil {
			return nil, s.classify("updating profile", err)
		}
	}
	if patch.SecondaryIdentifier != nil {
		if err := s.ensureSecondaryFree(ctx, *patch.SecondaryIdentifier, id); err != nil {
			return nil, s.classify("updating profile", err)
		}
	}

	account, err := s.accounts.Update(ctx, id, patch)
	if err != nil {
		return nil, s.classify("updating profile", err)
	}

	s.logger.Info("profile updated", slog.String("accountID", id))
	return account, nil
}

// UpdatePassword replaces the stored hash. Tokens issued before the change
// stay valid until they expire.
func (s *AccountService) UpdatePassword(ctx context.Context, id, password string) error {
	if err := s.validate.Struct(passwordInput{Password: password}); err != nil {
		s.record(EventPasswordChange, OutcomeInvalid)
		return validationError(err)
	}

	if _, err := s.CurrentAccount(ctx, id); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.record(EventPasswordChange, OutcomeNotFound)
		} else {
			s.record(EventPasswordChange, OutcomeError)
		}
		return err
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		s.record(EventPasswordChange, OutcomeError)
		return s.internal("hashing new password", err, slog.String("accountID", id))
	}

	if _, err := s.accounts.Update(ctx, id, model.AccountPatch{PasswordHash: &hash}); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.record(EventPasswordChange, OutcomeNotFound)
			return err
		}
		s.record(EventPasswordChange, OutcomeError)
		return s.internal("storing new password", err, slog.String("accountID", id))
	}

	s.record(EventPasswordChange, OutcomeSuccess)
	s.logger.Info("password updated", slog.String("accountID", id))
	return nil
}

// ListAccounts returns every account without password hashes.
func (s *AccountService) ListAccounts(ctx context.Context) ([]model.Account, error) {
	accounts, err := s.accounts.ListExcludingSecrets(ctx)
	if err != nil {
		return nil, s.internal("listing accounts", err)
	}
	for i := range accounts {
		accounts[i].PasswordHash = ""
	}
	return accounts, nil
}

// ensureEmailFree returns ErrDuplicate when email belongs to an account
// other than selfID.
func (s *AccountService) ensureEmailFree(ctx context.Context, email, selfID string) error {
	existing, err := s.accounts.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != selfID:
		return apperror.Duplicate("account", "email")
	}
	return nil
}

func (s *AccountService) ensureSecondaryFree(ctx context.Context, value, selfID string) error {
	existing, err := s.accounts.FindBySecondaryIdentifier(ctx, value)
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != selfID:
		return apperror.Duplicate("account", "secondaryIdentifier")
	}
	return nil
}

// classify passes domain errors through and logs everything else as
// internal.
func (s *AccountService) classify(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return s.internal(op, err)
}

// internal logs an unexpected failure and returns it wrapped for the handler,
// which answers 500 without details. attrs must never carry passwords,
// hashes or tokens.
func (s *AccountService) internal(op string, err error, attrs ...any) error {
	logging.LogError(s.logger, op+" failed", err, attrs...)
	return oops.In("service").With("operation", op).Wrap(err)
}

func (s *AccountService) record(event, outcome string) {
	if s.events != nil {
		s.events.AuthEvent(event, outcome)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func blankToNil(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
