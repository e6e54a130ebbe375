package deposit

import (
	"context"
	"sync"
	"testing"

	"autotrade-core/internal/apperr"
	"autotrade-core/internal/events"
	"autotrade-core/pkg/db"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingCrediter struct {
	mu    sync.Mutex
	total decimal.Decimal
	calls int
}

func (r *recordingCrediter) Credit(_ string, amount decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = r.total.Add(amount)
	r.calls++
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *db.Database, *recordingCrediter, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	credit := &recordingCrediter{}
	bus := events.NewBus()
	l := NewLedger(database, cfg, credit, bus, zerolog.Nop())
	require.NoError(t, l.OpenAccount(context.Background(), "u1"))
	return l, database, credit, bus
}

func defaultConfig() Config {
	return Config{Min: d("10"), MaxSingle: d("5000"), MaxTotal: d("10000")}
}

func TestValidationOrderAndKinds(t *testing.T) {
	l, _, _, _ := newTestLedger(t, Config{Min: d("10"), MaxSingle: d("500"), MaxTotal: d("1000")})
	ctx := context.Background()

	tests := []struct {
		name   string
		amount decimal.Decimal
		kind   apperr.Kind
		code   string
	}{
		{"zero", d("0"), apperr.KindValidation, apperr.CodeInvalidAmount},
		{"negative", d("-20"), apperr.KindValidation, apperr.CodeInvalidAmount},
		{"just under minimum", d("9.99"), apperr.KindValidation, apperr.CodeTooSmall},
		{"over single cap", d("500.01"), apperr.KindLimitExceeded, apperr.CodeSingleLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ValidateAndCreateDeposit(ctx, "u1", tt.amount)
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Reason)
		})
	}

	dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("10.00"))
	require.NoError(t, err, "exactly the minimum is accepted")
	assert.Equal(t, db.DepositPending, dep.Status)
	assert.NotEmpty(t, dep.TransactionID)
}

func TestTotalCapUsesCompletedDeposits(t *testing.T) {
	l, _, _, _ := newTestLedger(t, Config{Min: d("10"), MaxSingle: d("500"), MaxTotal: d("1000")})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("500"))
		require.NoError(t, err)
		_, err = l.CompleteDeposit(ctx, dep.ID)
		require.NoError(t, err)
	}

	_, err := l.ValidateAndCreateDeposit(ctx, "u1", d("10"))
	require.Error(t, err)
	e, _ := apperr.As(err)
	assert.Equal(t, apperr.CodeTotalLimitExceeded, e.Code)
	assert.Contains(t, e.Reason, "$0.00 remaining")
}

func TestCompleteDepositCreditsOnce(t *testing.T) {
	l, database, credit, bus := newTestLedger(t, defaultConfig())
	ctx := context.Background()
	settledCh, unsub := bus.Subscribe(events.EventDepositCompleted, 4)
	defer unsub()

	dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("250.25"))
	require.NoError(t, err)

	acct, err := l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero(), "creation must not touch the account")

	first, err := l.CompleteDeposit(ctx, dep.ID)
	require.NoError(t, err)
	second, err := l.CompleteDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DepositCompleted, first.Status)
	assert.Equal(t, first.ProcessedAt.Unix(), second.ProcessedAt.Unix())

	acct, err = l.Account(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "250.25", acct.Balance.String())
	assert.Equal(t, "250.25", acct.BuyingPower.String())
	assert.Equal(t, "250.25", acct.TotalDeposited.String())
	assert.Equal(t, 1, credit.calls)
	assert.Len(t, settledCh, 1)

	total, err := database.Queries().CompletedDepositTotal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "250.25", total.String())
}

func TestCompleteUnknownDeposit(t *testing.T) {
	l, _, _, _ := newTestLedger(t, defaultConfig())
	_, err := l.CompleteDeposit(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestFailedSettlementRollsBack(t *testing.T) {
	l, database, credit, _ := newTestLedger(t, defaultConfig())
	ctx := context.Background()

	dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("100"))
	require.NoError(t, err)

	// Removing the user row makes the step after "mark completed" fail.
	_, err = database.DB.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, "u1")
	require.NoError(t, err)

	_, err = l.CompleteDeposit(ctx, dep.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindTransaction))
	assert.True(t, apperr.IsRetryable(err))

	stored, err := database.Queries().GetDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DepositPending, stored.Status)
	acct, err := database.Queries().GetActiveAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
	assert.Zero(t, credit.calls)

	// Retry after the collaborator recovers settles exactly once.
	require.NoError(t, l.OpenAccount(ctx, "u1"))
	_, err = l.CompleteDeposit(ctx, dep.ID)
	require.NoError(t, err)
	acct, err = database.Queries().GetActiveAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "100", acct.Balance.String())
}

func TestConcurrentSettlementNeverExceedsCap(t *testing.T) {
	l, database, credit, _ := newTestLedger(t, Config{Min: d("10"), MaxSingle: d("100"), MaxTotal: d("100")})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("30"))
		require.NoError(t, err)
		ids = append(ids, dep.ID)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, capd int
	)
	for _, id := range ids {
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(id string) {
				defer wg.Done()
				_, err := l.CompleteDeposit(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case apperr.IsKind(err, apperr.KindLimitExceeded):
					capd++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(id)
		}
	}
	wg.Wait()

	total, err := database.Queries().CompletedDepositTotal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "90", total.String())
	assert.Equal(t, 3, credit.calls)
	assert.Equal(t, "90", credit.total.String())
	assert.Equal(t, 12, ok+capd)
}

func TestListAndGetAreUserScoped(t *testing.T) {
	l, _, _, _ := newTestLedger(t, defaultConfig())
	ctx := context.Background()
	require.NoError(t, l.OpenAccount(ctx, "u2"))

	dep, err := l.ValidateAndCreateDeposit(ctx, "u1", d("20"))
	require.NoError(t, err)

	_, err = l.GetDeposit(ctx, "u2", dep.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
	got, err := l.GetDeposit(ctx, "u1", dep.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.TransactionID, got.TransactionID)

	list, err := l.ListDeposits(ctx, "u2", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = l.ValidateAndCreateDeposit(ctx, "ghost", d("20"))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
