package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/deskpilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Location() == time.UTC
})

const (
	sqlInsertExperience = `
        INSERT INTO "experiences" (id, category, observation, action, outcome, image, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            category = EXCLUDED.category,
            observation = EXCLUDED.observation,
            action = EXCLUDED.action,
            outcome = EXCLUDED.outcome,
            image = EXCLUDED.image;
    `
	sqlQueryExperience = `
        SELECT id, category, observation, action, outcome, image, created_at
        FROM "experiences"
        WHERE observation ILIKE $1 OR action ILIKE $1 OR outcome ILIKE $1 OR category ILIKE $1
        ORDER BY created_at DESC
        LIMIT $2;
    `
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger, "")
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func stubUUID(t *testing.T, ids ...string) {
	t.Helper()
	orig := uuidNewString
	i := 0
	uuidNewString = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { uuidNewString = orig })
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop(), "")
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should default the table name", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		assert.Equal(t, DefaultTable, s.table)
		assert.Equal(t, `"experiences"`, s.ident())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS "experiences"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mockPool.ExpectExec(flexibleSQLMatcher(`CREATE INDEX IF NOT EXISTS "experiences_category_idx" ON "experiences" (category, created_at DESC);`)).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestStoreExperience(t *testing.T) {
	ctx := context.Background()

	t.Run("should fill in id and UTC timestamp", func(t *testing.T) {
		stubUUID(t, "exp-1")
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertExperience)).
			WithArgs("exp-1", "autonomy_success", "a calculator", "click 10, 20", "screen changed", []byte(nil), fixedNow).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.StoreExperience(ctx, schemas.Experience{
			Category:    "autonomy_success",
			Observation: "a calculator",
			Action:      "click 10, 20",
			Outcome:     "screen changed",
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should convert local timestamps to UTC", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		loc := time.FixedZone("UTC-5", -5*3600)

		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertExperience)).
			WithArgs("given", "chat", "", "", "", []byte("png"), utcTime).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.StoreExperience(ctx, schemas.Experience{
			ID:        "given",
			Category:  "chat",
			Image:     []byte("png"),
			CreatedAt: time.Date(2026, 3, 1, 7, 0, 0, 0, loc),
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a record without category", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		err := s.StoreExperience(ctx, schemas.Experience{Observation: "x"})
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap exec errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		execErr := errors.New("relation does not exist")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertExperience)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(execErr)

		err := s.StoreExperience(ctx, schemas.Experience{ID: "e", Category: "c"})
		require.Error(t, err)
		assert.ErrorIs(t, err, execErr)
		assert.Contains(t, err.Error(), "e")
	})
}

func TestImportExperiences(t *testing.T) {
	ctx := context.Background()

	t.Run("should copy all rows and commit without rollback errors", func(t *testing.T) {
		stubUUID(t, "gen-1")
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"experiences"}, experienceColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		n, err := s.ImportExperiences(ctx, []schemas.Experience{
			{ID: "a", Category: "autonomy_success"},
			{Category: "chat"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should rollback when copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		copyErr := errors.New("copy failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"experiences"}, experienceColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		_, err := s.ImportExperiences(ctx, []schemas.Experience{{ID: "a", Category: "c"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should not open a transaction for an empty batch", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		n, err := s.ImportExperiences(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail on begin error", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("too many connections")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		_, err := s.ImportExperiences(ctx, []schemas.Experience{{ID: "a", Category: "c"}})
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestQueryExperience(t *testing.T) {
	ctx := context.Background()

	t.Run("should retrieve matching experiences", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		rows := pgxmock.NewRows(experienceColumns).
			AddRow("exp-2", "autonomy_success", "calculator keypad", "click 5, 5", "screen changed", []byte("png"), fixedNow).
			AddRow("exp-1", "chat", "calculator", "", "", []byte{}, fixedNow.Add(-time.Hour))

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlQueryExperience)).
			WithArgs("%calculator%", 3).
			WillReturnRows(rows)

		out, err := s.QueryExperience(ctx, "calculator", 3)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "exp-2", out[0].ID)
		assert.Equal(t, "click 5, 5", out[0].Action)
		assert.Equal(t, []byte("png"), out[0].Image)
		assert.True(t, out[1].CreatedAt.Equal(fixedNow.Add(-time.Hour)))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should escape wildcards and default the limit", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlQueryExperience)).
			WithArgs(`%50\%\_off%`, DefaultQueryLimit).
			WillReturnRows(pgxmock.NewRows(experienceColumns))

		out, err := s.QueryExperience(ctx, "50%_off", 0)
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		queryErr := errors.New("connection reset")
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlQueryExperience)).
			WithArgs("%%", 1).
			WillReturnError(queryErr)

		_, err := s.QueryExperience(ctx, "", 1)
		assert.ErrorIs(t, err, queryErr)
	})
}
