package perf

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/freeze/lib/freeze"
	"github.com/ValentinKolb/freeze/lib/wire"
	"sync"
)

// --------------------------------------------------------------------------
// Account Servant
// --------------------------------------------------------------------------

const accountType = "::Perf::Account"

var accountOps = map[string]freeze.OperationInfo{
	"balance":  {ReadOnly: true, Mode: freeze.TxSupports},
	"deposit":  {Mode: freeze.TxRequired},
	"withdraw": {Mode: freeze.TxMandatory},
}

// account is the servant driven by the benchmark, a balance and the number
// of changes (optional tag 1)
type account struct {
	mu      sync.Mutex
	balance int64
	changes int32
}

func (a *account) TypeID() string { return accountType }

func (a *account) Operation(name string) (freeze.OperationInfo, bool) {
	info, ok := accountOps[name]
	return info, ok
}

func (a *account) Marshal(os *wire.OutputStream) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	os.WriteLong(a.balance)
	if a.changes > 0 {
		return wire.WriteOptional(os, 1, wire.Int, a.changes)
	}
	return nil
}

func (a *account) Unmarshal(is *wire.InputStream) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	balance, err := is.ReadLong()
	if err != nil {
		return err
	}
	changes, err := wire.ReadOptional(is, 1, wire.Int)
	if err != nil {
		return err
	}
	a.balance = balance
	if changes != nil {
		a.changes = *changes
	}
	return nil
}

func (a *account) add(amount int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance+amount < 0 {
		return false
	}
	a.balance += amount
	a.changes++
	return true
}

func (a *account) current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

func accountFactory(typeID string) (freeze.Servant, error) {
	if typeID != accountType {
		return nil, fmt.Errorf("unknown servant type %s", typeID)
	}
	return &account{}, nil
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

func balanceRequest(ident freeze.Identity) freeze.DispatchRequest {
	return freeze.NewRequest(ident, "", "balance", func(_ context.Context, s freeze.Servant, _ *freeze.TransactionContext) (freeze.Result, error) {
		os := wire.NewOutputStream(8)
		os.WriteLong(s.(*account).current())
		return freeze.Result{Payload: os.Bytes()}, nil
	})
}

// changeRequest adds amount to the balance, a balance that would become
// negative is a user error
func changeRequest(ident freeze.Identity, op string, amount int64) freeze.DispatchRequest {
	return freeze.NewRequest(ident, "", op, func(_ context.Context, s freeze.Servant, _ *freeze.TransactionContext) (freeze.Result, error) {
		if !s.(*account).add(amount) {
			return freeze.Result{Status: freeze.StatusUserError}, nil
		}
		return freeze.Result{}, nil
	})
}

// transfer moves amount from one account to another in one transaction
func transfer(ctx context.Context, e *freeze.Evictor, from, to freeze.Identity, amount int64) (bool, error) {
	for {
		tx, txCtx, err := e.BeginTransaction(ctx)
		if err != nil {
			return false, err
		}
		res, err := e.Dispatch(txCtx, changeRequest(from, "withdraw", -amount))
		if err == nil && res.Status == freeze.StatusSuccess {
			_, err = e.Dispatch(txCtx, changeRequest(to, "deposit", amount))
		}
		if err != nil || res.Status != freeze.StatusSuccess {
			_ = tx.Rollback()
			if freeze.IsDeadlock(err) {
				continue
			}
			return false, err
		}
		if err := tx.Commit(); err != nil {
			if freeze.IsDeadlock(err) {
				continue
			}
			return false, err
		}
		return true, nil
	}
}

func readBalance(ctx context.Context, e *freeze.Evictor, ident freeze.Identity) (int64, error) {
	res, err := e.Dispatch(ctx, balanceRequest(ident))
	if err != nil {
		return 0, err
	}
	return wire.NewInputStream(res.Payload).ReadLong()
}
