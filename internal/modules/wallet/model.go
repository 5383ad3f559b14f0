// README: Wallet accounts and transaction journal types.
package wallet

import (
	"time"

	"presto/internal/types"
)

type TxKind string

const (
	TxCredit TxKind = "CREDIT"
	TxDebit  TxKind = "DEBIT"
)

// Account is a provider's balance. Balances only move through the
// service entry points; the journal is append-only.
type Account struct {
	ProviderID types.ID
	Balance    types.Money
	UpdatedAt  time.Time
}

type Transaction struct {
	ID         types.ID
	ProviderID types.ID
	Kind       TxKind
	Amount     types.Money
	RequestID  *types.ID
	Note       string
	CreatedAt  time.Time
}
