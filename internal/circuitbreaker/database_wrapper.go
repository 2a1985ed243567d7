package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseService = "checkpoint-store"

// DatabaseWrapper guards a sqlx handle with a circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	return NewDatabaseWrapperWithConfig(db, DatabaseSettings().ToConfig(), logger)
}

// NewDatabaseWrapperWithConfig is NewDatabaseWrapper with explicit breaker settings.
func NewDatabaseWrapperWithConfig(db *sqlx.DB, config Config, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(db.DriverName(), config, logger)
	instrument(cb, databaseService)
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = fn()
		if err == sql.ErrNoRows {
			// an empty result is not a database failure
			return nil
		}
		return err
	})
	recordRequest(dw.cb, databaseService, cbErr == nil && (err == nil || err == sql.ErrNoRows))
	if cbErr != nil {
		return cbErr
	}
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...) })
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...) })
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.run(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return result, err
}

// WithTx runs fn inside a transaction. The whole transaction counts as one
// breaker request; fn errors roll back.
func (dw *DatabaseWrapper) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return dw.run(ctx, func() error {
		tx, err := dw.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Rebind converts ? placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string {
	return dw.db.Rebind(query)
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
