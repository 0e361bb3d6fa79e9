// Package repository declares the storage interfaces the service layer
// depends on. Implementations live in subpackages (sqlstore).
package repository

import (
	"context"

	"github.com/sakif/repotrack/internal/model"
)

// AccountRepository stores accounts and enforces their uniqueness rules.
//
// Lookups return an error wrapping apperror.ErrNotFound when nothing matches.
// Create and Update return an error wrapping apperror.ErrDuplicate when the
// email or secondary identifier already belongs to another account; the
// store's unique indexes decide this atomically, so two concurrent creates
// with the same email can never both succeed.
type AccountRepository interface {
	// Create assigns ID, CreatedAt and UpdatedAt and inserts the account.
	Create(ctx context.Context, account *model.Account) error

	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindByEmail(ctx context.Context, email string) (*model.Account, error)
	FindBySecondaryIdentifier(ctx context.Context, value string) (*model.Account, error)

	// ListExcludingSecrets returns every account with PasswordHash empty.
	ListExcludingSecrets(ctx context.Context) ([]model.Account, error)

	// Update applies the non-nil fields of patch, refreshes UpdatedAt and
	// returns the stored result.
	Update(ctx context.Context, id string, patch model.AccountPatch) (*model.Account, error)
}
