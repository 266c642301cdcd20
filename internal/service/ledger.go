package service

import (
	"context"

	"creditledger/internal/model"
)

// LedgerService defines the ledger operations exposed to callers.
// Transport layers (HTTP, NATS) depend on this interface, not on the
// concrete processor.
type LedgerService interface {
	CreateAccount(ctx context.Context, id string, initialGrant int64) (model.Account, error)
	CloseAccount(ctx context.Context, id string) error
	Balance(ctx context.Context, id string) (int64, error)
	Entries(ctx context.Context, id string) ([]model.LedgerEntry, error)
	Credit(ctx context.Context, req model.CreditRequest) (model.TxResult, error)
	Debit(ctx context.Context, req model.DebitRequest) (model.TxResult, error)
	Transfer(ctx context.Context, req model.TransferRequest) (model.TxResult, error)
	Adjust(ctx context.Context, req model.AdjustRequest) (model.TxResult, error)
}
