package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "experiences"

// DefaultQueryLimit caps QueryExperience when the caller passes a non-positive limit.
const DefaultQueryLimit = 5

var experienceColumns = []string{"id", "category", "observation", "action", "outcome", "image", "created_at"}

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is a PostgreSQL implementation of schemas.KnowledgeStore.
type Store struct {
	pool  DBPool
	log   *zap.Logger
	table string
	now   func() time.Time
}

var _ schemas.KnowledgeStore = (*Store)(nil)

// uuidNewString is swapped in tests for deterministic identifiers.
var uuidNewString = uuid.NewString

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger, table string) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if strings.TrimSpace(table) == "" {
		table = DefaultTable
	}

	return &Store{
		pool:  pool,
		log:   logger.Named("store"),
		table: table,
		now:   time.Now,
	}, nil
}

// Connect opens a pgx pool for dsn and wraps it in a Store. The returned
// closer releases the pool.
func Connect(ctx context.Context, dsn, table string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger, table)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the experience table and its search index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            id TEXT PRIMARY KEY,
            category TEXT NOT NULL,
            observation TEXT NOT NULL DEFAULT '',
            action TEXT NOT NULL DEFAULT '',
            outcome TEXT NOT NULL DEFAULT '',
            image BYTEA,
            created_at TIMESTAMPTZ NOT NULL
        );
    `, s.ident())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create experience table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (category, created_at DESC);`,
		pgx.Identifier{s.table + "_category_idx"}.Sanitize(), s.ident())
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("failed to create experience index: %w", err)
	}
	return nil
}

// prepare fills in the identifier and timestamp a caller left empty.
func (s *Store) prepare(exp schemas.Experience) (schemas.Experience, error) {
	if strings.TrimSpace(exp.Category) == "" {
		return exp, errors.New("experience category is required")
	}
	if exp.ID == "" {
		exp.ID = uuidNewString()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = s.now()
	}
	exp.CreatedAt = exp.CreatedAt.UTC()
	return exp, nil
}

// StoreExperience inserts or replaces one record.
func (s *Store) StoreExperience(ctx context.Context, exp schemas.Experience) error {
	exp, err := s.prepare(exp)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`
        INSERT INTO %s (id, category, observation, action, outcome, image, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            category = EXCLUDED.category,
            observation = EXCLUDED.observation,
            action = EXCLUDED.action,
            outcome = EXCLUDED.outcome,
            image = EXCLUDED.image;
    `, s.ident())
	if _, err := s.pool.Exec(ctx, sql, exp.ID, exp.Category, exp.Observation, exp.Action, exp.Outcome, exp.Image, exp.CreatedAt); err != nil {
		return fmt.Errorf("failed to store experience %s: %w", exp.ID, err)
	}
	s.log.Debug("Stored experience.", zap.String("id", exp.ID), zap.String("category", exp.Category))
	return nil
}

// ImportExperiences bulk loads records with COPY inside one transaction.
func (s *Store) ImportExperiences(ctx context.Context, exps []schemas.Experience) (int64, error) {
	if len(exps) == 0 {
		return 0, nil
	}
	rows := make([][]interface{}, 0, len(exps))
	for _, e := range exps {
		e, err := s.prepare(e)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []interface{}{e.ID, e.Category, e.Observation, e.Action, e.Outcome, e.Image, e.CreatedAt})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	n, err := tx.CopyFrom(ctx, pgx.Identifier{s.table}, experienceColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy experiences: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Imported experiences.", zap.Int64("count", n))
	return n, nil
}

// QueryExperience returns the newest records whose text fields contain text,
// case-insensitively. An empty text matches everything.
func (s *Store) QueryExperience(ctx context.Context, text string, limit int) ([]schemas.Experience, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	sql := fmt.Sprintf(`
        SELECT id, category, observation, action, outcome, image, created_at
        FROM %s
        WHERE observation ILIKE $1 OR action ILIKE $1 OR outcome ILIKE $1 OR category ILIKE $1
        ORDER BY created_at DESC
        LIMIT $2;
    `, s.ident())

	rows, err := s.pool.Query(ctx, sql, "%"+escapeLike(text)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiences: %w", err)
	}
	defer rows.Close()

	var out []schemas.Experience
	for rows.Next() {
		var e schemas.Experience
		if err := rows.Scan(&e.ID, &e.Category, &e.Observation, &e.Action, &e.Outcome, &e.Image, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan experience row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experience rows: %w", err)
	}
	return out, nil
}

// escapeLike neutralizes LIKE wildcards in user text.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
