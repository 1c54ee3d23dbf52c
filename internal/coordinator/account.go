package coordinator

import (
	"context"
	"errors"
	"fmt"

	"cashpoint/internal/identity"
	"cashpoint/internal/ledger"

	"go.uber.org/zap"
)

// OpenAccount verifies a personhood proof and creates the account named by
// its nullifier hash. The initial grant is applied once per account.
func (c *Coordinator) OpenAccount(ctx context.Context, proof identity.Proof) (ledger.Account, bool, error) {
	if err := proof.Validate(); err != nil {
		return ledger.Account{}, false, invalid("proof", err.Error())
	}
	ok, err := c.verifier.Verify(ctx, proof)
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("verify identity: %w", err)
	}
	if !ok {
		c.logger.Info("identity proof rejected", zap.String("account_id", proof.NullifierHash))
		return ledger.Account{}, false, ErrUnverified
	}

	acct, created, err := c.store.ApplyGrant(ctx, ledger.Grant{
		ID:        "initial:" + proof.NullifierHash,
		AccountID: proof.NullifierHash,
		Amount:    c.policy.InitialGrant,
		CreatedAt: c.now(),
	})
	if err != nil {
		return ledger.Account{}, false, err
	}
	if created {
		c.logger.Info("account opened",
			zap.String("account_id", acct.ID),
			zap.String("grant", c.policy.InitialGrant.StringFixed(2)),
		)
	}
	return acct, created, nil
}

// GrantFunds credits an account. A grant id is applied at most once.
func (c *Coordinator) GrantFunds(ctx context.Context, g ledger.Grant) (ledger.Account, bool, error) {
	if g.ID == "" {
		return ledger.Account{}, false, invalid("grantId", "is required")
	}
	if !g.Amount.IsPositive() {
		return ledger.Account{}, false, invalid("amount", "must be positive")
	}
	if _, err := c.store.GetAccount(ctx, g.AccountID); errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, false, invalid("accountId", "unknown account")
	} else if err != nil {
		return ledger.Account{}, false, err
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = c.now()
	}
	return c.store.ApplyGrant(ctx, g)
}
