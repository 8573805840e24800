// Package credit computes the credit cost of a chat request and performs
// the atomic charge-or-reject against the account balance.
package credit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harborlabs/chatgate/internal/domain"
	"github.com/harborlabs/chatgate/internal/metrics"
	"github.com/harborlabs/chatgate/internal/notifications"
	"github.com/harborlabs/chatgate/internal/repository"
)

type Config struct {
	Enabled       bool
	ChatCost      int64
	WebSearchCost int64
}

type Ledger struct {
	accounts repository.AccountStore
	notifier notifications.Notifier
	cfg      Config
}

// NewLedger builds the ledger. notifier may be nil; when set, a rejected
// debit publishes a credit_exhausted notification.
func NewLedger(accounts repository.AccountStore, notifier notifications.Notifier, cfg Config) *Ledger {
	return &Ledger{
		accounts: accounts,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Quote returns the credit cost of a request. Own-key requests and a
// disabled subsystem cost nothing.
func (l *Ledger) Quote(webSearch, ownKey bool) int64 {
	if ownKey || !l.cfg.Enabled {
		return 0
	}
	cost := l.cfg.ChatCost
	if webSearch {
		cost += l.cfg.WebSearchCost
	}
	return cost
}

// Debit charges cost against the account. A nil result means credits were
// not applicable to this request. The conditional decrement runs inside the
// store as one statement, so two concurrent requests can never both succeed
// against an insufficient balance.
func (l *Ledger) Debit(ctx context.Context, accountID string, cost int64) (*int64, error) {
	if cost == 0 || !l.cfg.Enabled {
		return nil, nil
	}

	remaining, err := l.accounts.DebitCredits(ctx, accountID, cost)
	if err != nil {
		var insufficient *domain.InsufficientCreditError
		if errors.As(err, &insufficient) {
			metrics.RecordCreditRejection()
			l.notifyExhausted(ctx, accountID, insufficient.Balance)
		}
		return nil, err
	}

	metrics.RecordDebit(cost)
	return &remaining, nil
}

func (l *Ledger) notifyExhausted(ctx context.Context, accountID string, balance int64) {
	if l.notifier == nil {
		return
	}
	err := l.notifier.Send(ctx, notifications.Notification{
		Type:      notifications.NotificationCreditExhausted,
		AccountID: accountID,
		Message:   "chat request rejected for insufficient credits",
		Data:      map[string]interface{}{"balance": balance},
	})
	if err != nil {
		slog.Warn("credit notification failed", "error", err, "account_id", accountID)
	}
}
