package core

import (
	"fmt"

	"SimpleBet/internal/host"
)

// Operation names a privileged contract call
type Operation string

const (
	OpInitialize      Operation = "initialize"
	OpSetMaxBetRatio  Operation = "set_max_bet_ratio"
	OpSetWinningProba Operation = "set_winning_proba"
	OpMigrate         Operation = "migrate"
)

// Authorizer decides whether caller may run a privileged operation.
type Authorizer interface {
	Authorize(caller host.AccountID, op Operation) error
}

// OwnerAuthorizer admits only the contract's own account.
type OwnerAuthorizer struct {
	Owner host.AccountID
}

func (a OwnerAuthorizer) Authorize(caller host.AccountID, op Operation) error {
	if caller == "" || caller != a.Owner {
		return fmt.Errorf("%w: %s may only be called by %s, got %q", ErrUnauthorized, op, a.Owner, caller)
	}
	return nil
}
