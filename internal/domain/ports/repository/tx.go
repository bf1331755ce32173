package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager executes a function within a storage transaction,
// passing the underlying handle via `tx`.
//
// The concrete type of `tx` is infra-defined (pgx.Tx for Postgres).
// Repositories must gracefully accept `nil` tx (non-transactional path).
// Keeping the handle opaque means usecase interfaces stay free of driver
// types while repository implementations can still run SELECT ... FOR UPDATE
// against the tx-bound connection.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
