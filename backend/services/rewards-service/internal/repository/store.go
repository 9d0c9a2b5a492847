package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"evrewards/backend/services/rewards-service/internal/store"
)

const (
	maxTxAttempts = 3
	retryBackoff  = 20 * time.Millisecond
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements store.Store on top of database/sql with the pgx driver.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore returns store.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// InTx runs fn in a READ COMMITTED transaction and retries deadlocks and serialization failures.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.Warn("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, newTxRepos(sqlTx)); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40P01", "40001":
		return true
	default:
		return false
	}
}

type txRepos struct {
	sessions   *SessionRepository
	posEvents  *PosEventRepository
	matches    *MatchRepository
	wallet     *WalletRepository
	merchants  *MerchantRepository
	reputation *ReputationRepository
	follows    *FollowRepository
}

func newTxRepos(db DBTX) *txRepos {
	return &txRepos{
		sessions:   NewSessionRepository(db),
		posEvents:  NewPosEventRepository(db),
		matches:    NewMatchRepository(db),
		wallet:     NewWalletRepository(db),
		merchants:  NewMerchantRepository(db),
		reputation: NewReputationRepository(db),
		follows:    NewFollowRepository(db),
	}
}

func (t *txRepos) Sessions() store.SessionRepository      { return t.sessions }
func (t *txRepos) PosEvents() store.PosEventRepository    { return t.posEvents }
func (t *txRepos) Matches() store.MatchRepository         { return t.matches }
func (t *txRepos) Wallet() store.WalletRepository         { return t.wallet }
func (t *txRepos) Merchants() store.MerchantRepository    { return t.merchants }
func (t *txRepos) Reputation() store.ReputationRepository { return t.reputation }
func (t *txRepos) Follows() store.FollowRepository        { return t.follows }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func notFound(err error, notFoundErr error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundErr
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
