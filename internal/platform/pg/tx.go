package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"retrykit/pkg/retry"
)

// txKey используется как ключ для хранения транзакции в context.Context
type txKey struct{}

// Querier объединяет методы выполнения запросов, общие для пула и транзакции.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Beginner начинает транзакцию. *pgxpool.Pool реализует его.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxRunner выполняет функцию в транзакции и повторяет транзакцию целиком
// при конфликте сериализации или дедлоке.
type TxRunner struct {
	db     Beginner
	policy *retry.AsyncPolicy
	opts   pgx.TxOptions
}

// TxOption настраивает TxRunner.
type TxOption func(*TxRunner)

// WithTxOptions задаёт уровень изоляции и режим доступа.
func WithTxOptions(o pgx.TxOptions) TxOption {
	return func(r *TxRunner) { r.opts = o }
}

// NewTxRunner создаёт TxRunner. Повторы выполняются под ограниченной
// политикой с видом ошибки SerializationFailure, построенной из opts.
func NewTxRunner(db Beginner, opts retry.Options, options ...TxOption) *TxRunner {
	r := &TxRunner{
		db:     db,
		policy: retry.NewBoundedAsync(SerializationFailure, opts, retry.WithName("pg.tx")),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Policy возвращает политику повторов транзакции.
func (r *TxRunner) Policy() *retry.AsyncPolicy { return r.policy }

// WithinTx выполняет fn внутри транзакции. Если fn возвращает ошибку,
// транзакция откатывается, иначе коммитится. Каждая попытка получает новую
// транзакцию, поэтому fn не должна иметь побочных эффектов вне базы.
// Если в ctx уже есть транзакция, fn выполняется в ней без повторов.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := PgxTx(ctx); ok {
		return fn(ctx)
	}
	return r.policy.Execute(ctx, func(ctx context.Context) error {
		return r.once(ctx, fn)
	})
}

func (r *TxRunner) once(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, r.opts)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PgxTx извлекает активную транзакцию из контекста.
func PgxTx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// QuerierFrom возвращает транзакцию из ctx, если она есть, иначе q.
func QuerierFrom(ctx context.Context, q Querier) Querier {
	if tx, ok := PgxTx(ctx); ok {
		return tx
	}
	return q
}
