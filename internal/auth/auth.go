// Package auth resolves the authenticated caller identity from a bearer
// token. Token issuance belongs to the platform's auth service; the
// gateway only verifies.
package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/repository"
)

const tokenPrefix = "cg_"

type Resolver struct {
	accounts repository.AccountStore
}

func NewResolver(accounts repository.AccountStore) *Resolver {
	return &Resolver{accounts: accounts}
}

// Resolve maps a bearer token of the form cg_<accountID>_<secret> to the
// account it belongs to. Any mismatch resolves to ErrUnauthenticated; the
// caller never learns which part failed.
func (r *Resolver) Resolve(ctx context.Context, token string) (*domain.Account, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, domain.ErrUnauthenticated
	}

	parts := strings.SplitN(strings.TrimPrefix(token, tokenPrefix), "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, domain.ErrUnauthenticated
	}
	accountID, secret := parts[0], parts[1]

	account, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, domain.ErrUnauthenticated
	}

	if bcrypt.CompareHashAndPassword([]byte(account.TokenHash), []byte(secret)) != nil {
		return nil, domain.ErrUnauthenticated
	}

	return account, nil
}

// HashSecret produces the stored form of a token secret. Exposed for the
// provisioning path and tests.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
