package kiosk

import (
	"context"
	"errors"
	"fmt"

	"faceattend/internal/attendance"
	"faceattend/internal/face"
	"faceattend/internal/store"
)

// Remover deletes a person from the ledger and the face store as one
// unit. It returns attendance.ErrUserNotFound only when neither side
// knew the name.
type Remover interface {
	Remove(ctx context.Context, name string) error
}

// SQLRemover removes both sides in one transaction when the ledger and
// the face store share a database.
type SQLRemover struct {
	db     *store.DB
	ledger *attendance.SQLRepository
	faces  *face.SQLStore
}

// NewSQLRemover builds a remover over a migrated database.
func NewSQLRemover(db *store.DB) *SQLRemover {
	return &SQLRemover{db: db, ledger: attendance.NewRepository(db), faces: face.NewSQLStore(db)}
}

func (r *SQLRemover) Remove(ctx context.Context, name string) error {
	tx, err := r.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	faceErr := r.faces.DeleteIdentityTx(ctx, tx, name)
	if faceErr != nil && !errors.Is(faceErr, face.ErrIdentityNotFound) {
		return fmt.Errorf("delete identity %q: %w", name, faceErr)
	}
	ledgerErr := r.ledger.DeleteUserTx(ctx, tx, name)
	if ledgerErr != nil && !errors.Is(ledgerErr, attendance.ErrUserNotFound) {
		return fmt.Errorf("delete user %q: %w", name, ledgerErr)
	}
	if faceErr != nil && ledgerErr != nil {
		return attendance.ErrUserNotFound
	}
	return tx.Commit()
}
