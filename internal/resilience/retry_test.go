package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errBusy = errors.New("database is locked (5) (SQLITE_BUSY)")

// alreadyPublished reads like a lock error but marks itself permanent.
type alreadyPublished struct{}

func (alreadyPublished) Error() string   { return "release r1 already published; database is locked" }
func (alreadyPublished) Permanent() bool { return true }

func testConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Backoff:     Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2},
		uniform:     func() float64 { return 0.5 },
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1, 0.5))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2, 0.5))
	assert.Equal(t, time.Second, b.Delay(5, 0.5))
	assert.Equal(t, 80*time.Millisecond, b.Delay(1, 0))
	assert.Equal(t, 1200*time.Millisecond, b.Delay(8, 1))
}

func TestDo_BusyLedgerClearsOnThirdAttempt(t *testing.T) {
	var seen []int
	var retries []Attempt
	cfg := testConfig(4)
	cfg.OnRetry = func(a Attempt) { retries = append(retries, a) }

	err := Do(context.Background(), cfg, "mark_published", func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)

	require.Len(t, retries, 2)
	assert.Equal(t, "mark_published", retries[0].Op)
	assert.Equal(t, 1, retries[0].N)
	assert.Equal(t, time.Millisecond, retries[0].Delay)
	assert.Equal(t, 2*time.Millisecond, retries[1].Delay)
	assert.ErrorIs(t, retries[1].Err, errBusy)
}

func TestDo_PermanentWinsOverMessage(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(4), "mark_published", func(context.Context, int) error {
		calls++
		return alreadyPublished{}
	})
	assert.Equal(t, 1, calls)
	assert.ErrorAs(t, err, new(alreadyPublished))
	assert.False(t, Retryable(err))
}

func TestDo_ConstraintViolationStops(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(4), "mark_published", func(context.Context, int) error {
		calls++
		return &pgconn.PgError{Code: "23505", ConstraintName: "idx_releases_published"}
	})
	assert.Equal(t, 1, calls)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "idx_releases_published", pgErr.ConstraintName)
}

func TestDo_ExhaustedKeepsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testConfig(3), "create_release", func(context.Context, int) error {
		calls++
		return NewTransientError(errBusy, "SQLITE_BUSY")
	})
	assert.Equal(t, 3, calls)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "create_release", ex.Op)
	assert.Equal(t, 3, ex.Attempts)
	assert.ErrorIs(t, err, errBusy)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
}

func TestDo_CancelDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := testConfig(4)
	cfg.Backoff = Backoff{Initial: time.Minute, Max: time.Minute, Multiplier: 1}
	cfg.OnRetry = func(Attempt) { cancel() }

	calls := 0
	start := time.Now()
	err := Do(ctx, cfg, "get_release", func(context.Context, int) error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	cfg := testConfig(4)
	cfg.ShouldRetry = func(error) bool { return false }

	calls := 0
	err := Do(context.Background(), cfg, "mark_abandoned", func(context.Context, int) error {
		calls++
		return errBusy
	})
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ReturnsValueFromSuccessfulAttempt(t *testing.T) {
	period, err := DoVal(context.Background(), testConfig(3), "latest_published", func(_ context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "stale", errBusy
		}
		return "2024-09", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-09", period)
}

func TestRetryConfig_Normalized(t *testing.T) {
	cfg := RetryConfig{Backoff: Backoff{Initial: time.Second, Max: time.Millisecond, Multiplier: 0.5, Jitter: 3}}.normalized()

	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Backoff.Max)
	assert.Equal(t, 2.0, cfg.Backoff.Multiplier)
	assert.Equal(t, 1.0, cfg.Backoff.Jitter)
	assert.NotNil(t, cfg.ShouldRetry)
}

func TestRetryLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	RetryLogger("sqlite")(Attempt{Op: "mark_published", N: 2, Delay: 200 * time.Millisecond, Err: errBusy})

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ledger", fields["component"])
	assert.Equal(t, "sqlite", fields["driver"])
	assert.Equal(t, "mark_published", fields["operation"])
	assert.Equal(t, int64(2), fields["attempt"])
}
