package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harborlabs/chatgate/internal/domain"
)

// AccountStore reads platform accounts and performs the atomic credit
// debit. Accounts themselves are owned by the auth/profile collaborators.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)

	// DebitCredits decrements the balance by amount only if the balance
	// covers it, returning the resulting balance. The comparison and the
	// decrement are evaluated by the store as one statement; a
	// read-then-write pair in the application would race under concurrent
	// requests from the same user. Returns domain.ErrUnauthenticated when
	// the account does not exist and *domain.InsufficientCreditError
	// (carrying the current balance) when it cannot cover amount.
	DebitCredits(ctx context.Context, id string, amount int64) (int64, error)
}

type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (s *PostgresAccountStore) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	query := `
		SELECT id, email, token_hash, credits, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	var account domain.Account
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&account.ID,
		&account.Email,
		&account.TokenHash,
		&account.Credits,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	return &account, nil
}

func (s *PostgresAccountStore) DebitCredits(ctx context.Context, id string, amount int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin debit: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE accounts
		SET credits = credits - $2, updated_at = $3
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`

	var remaining int64
	err = tx.QueryRowContext(ctx, query, id, amount, time.Now()).Scan(&remaining)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit debit: %w", err)
		}
		return remaining, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	// Zero rows: either the balance was short or the account is gone. The
	// latter is an authentication-state inconsistency, not a billing
	// condition.
	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT credits FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, domain.ErrUnauthenticated
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}

	return 0, &domain.InsufficientCreditError{Balance: balance}
}
