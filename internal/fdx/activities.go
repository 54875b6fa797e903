package fdx

import (
	"context"
	"fmt"

	"github.com/austindbirch/harbor_fdx/internal/activity"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

// Operation names registered on the engine.
const (
	OpGetCustomer              = "getCustomer"
	OpGetAccounts              = "getAccounts"
	OpGetAccount               = "getAccount"
	OpGetAccountContact        = "getAccountContact"
	OpGetStatements            = "getStatements"
	OpGetStatement             = "getStatement"
	OpGetTransactions          = "getTransactions"
	OpGetPaymentNetworks       = "getPaymentNetworks"
	OpGetAssetTransferNetworks = "getAssetTransferNetworks"
)

// Operations lists every operation Register installs.
func Operations() []string {
	return []string{
		OpGetCustomer,
		OpGetAccounts,
		OpGetAccount,
		OpGetAccountContact,
		OpGetStatements,
		OpGetStatement,
		OpGetTransactions,
		OpGetPaymentNetworks,
		OpGetAssetTransferNetworks,
	}
}

// Activities serves the operations from one dataset.
type Activities struct {
	ds Dataset
}

func NewActivities(ds Dataset) *Activities {
	return &Activities{ds: ds}
}

// Register installs every operation on reg.
func Register(reg *activity.Registry, ds Dataset) error {
	a := NewActivities(ds)
	fns := map[string]activity.Func{
		OpGetCustomer:              a.GetCustomer,
		OpGetAccounts:              a.GetAccounts,
		OpGetAccount:               a.GetAccount,
		OpGetAccountContact:        a.GetAccountContact,
		OpGetStatements:            a.GetStatements,
		OpGetStatement:             a.GetStatement,
		OpGetTransactions:          a.GetTransactions,
		OpGetPaymentNetworks:       a.GetPaymentNetworks,
		OpGetAssetTransferNetworks: a.GetAssetTransferNetworks,
	}
	for _, op := range Operations() {
		if err := reg.Register(op, fns[op]); err != nil {
			return err
		}
	}
	return nil
}

// GetCustomer takes (customerID).
func (a *Activities) GetCustomer(ctx context.Context, args []any) (any, error) {
	ids, err := stringArgs(OpGetCustomer, args, 1)
	if err != nil {
		return nil, err
	}
	rec, err := a.customer(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	return rec.Customer, nil
}

// GetAccounts takes (customerID).
func (a *Activities) GetAccounts(ctx context.Context, args []any) (any, error) {
	ids, err := stringArgs(OpGetAccounts, args, 1)
	if err != nil {
		return nil, err
	}
	rec, err := a.customer(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(rec.Accounts))
	for _, acct := range rec.Accounts {
		out = append(out, acct.Account)
	}
	return out, nil
}

// GetAccount takes (customerID, accountID).
func (a *Activities) GetAccount(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetAccount, args)
	if err != nil {
		return nil, err
	}
	return acct.Account, nil
}

// GetAccountContact takes (customerID, accountID).
func (a *Activities) GetAccountContact(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetAccountContact, args)
	if err != nil {
		return nil, err
	}
	return acct.Contact, nil
}

// GetStatements takes (customerID, accountID).
func (a *Activities) GetStatements(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetStatements, args)
	if err != nil {
		return nil, err
	}
	return nonNil(acct.Statements), nil
}

// GetStatement takes (customerID, accountID, statementID).
func (a *Activities) GetStatement(ctx context.Context, args []any) (any, error) {
	ids, err := stringArgs(OpGetStatement, args, 3)
	if err != nil {
		return nil, err
	}
	acct, err := a.accountByID(ctx, ids[0], ids[1])
	if err != nil {
		return nil, err
	}
	st, ok := acct.statement(ids[2])
	if !ok {
		return nil, notFound(fmt.Errorf("statement %s of account %s: %w", ids[2], ids[1], ErrNotFound))
	}
	return st, nil
}

// GetTransactions takes (customerID, accountID).
func (a *Activities) GetTransactions(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetTransactions, args)
	if err != nil {
		return nil, err
	}
	return nonNil(acct.Transactions), nil
}

// GetPaymentNetworks takes (customerID, accountID).
func (a *Activities) GetPaymentNetworks(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetPaymentNetworks, args)
	if err != nil {
		return nil, err
	}
	return nonNil(acct.PaymentNetworks), nil
}

// GetAssetTransferNetworks takes (customerID, accountID).
func (a *Activities) GetAssetTransferNetworks(ctx context.Context, args []any) (any, error) {
	acct, err := a.account(ctx, OpGetAssetTransferNetworks, args)
	if err != nil {
		return nil, err
	}
	return nonNil(acct.AssetTransferNetworks), nil
}

func (a *Activities) customer(ctx context.Context, customerID string) (*CustomerRecord, error) {
	rec, err := a.ds.Customer(ctx, customerID)
	if err != nil {
		return nil, notFound(err)
	}
	return rec, nil
}

func (a *Activities) account(ctx context.Context, op string, args []any) (*AccountRecord, error) {
	ids, err := stringArgs(op, args, 2)
	if err != nil {
		return nil, err
	}
	return a.accountByID(ctx, ids[0], ids[1])
}

func (a *Activities) accountByID(ctx context.Context, customerID, accountID string) (*AccountRecord, error) {
	rec, err := a.customer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	acct, ok := rec.account(accountID)
	if !ok {
		return nil, notFound(fmt.Errorf("account %s of customer %s: %w", accountID, customerID, ErrNotFound))
	}
	return acct, nil
}

// notFound marks lookups of missing records permanent; other errors pass
// through to the classifier.
func notFound(err error) error {
	if IsNotFound(err) {
		return taskerr.NonRetryable(err)
	}
	return err
}

func stringArgs(op string, args []any, n int) ([]string, error) {
	if len(args) != n {
		return nil, taskerr.Newf(taskerr.KindNonRetryable, "%s: want %d arguments, got %d", op, n, len(args))
	}
	out := make([]string, n)
	for i, arg := range args {
		s, ok := arg.(string)
		if !ok || s == "" {
			return nil, taskerr.Newf(taskerr.KindNonRetryable, "%s: argument %d must be a non-empty string, got %T", op, i, arg)
		}
		out[i] = s
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
