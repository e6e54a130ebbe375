package registry

import (
	"sync"
	"testing"

	"autotrade-core/internal/apperr"
	"autotrade-core/pkg/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := FromConfig(config.DefaultBrokers())
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		cfgs []BrokerConfig
	}{
		{"empty", nil},
		{"blank id", []BrokerConfig{{ID: " ", MaxPortfolioValue: decimal.NewFromInt(1)}}},
		{"duplicate", []BrokerConfig{
			{ID: "a", MaxPortfolioValue: decimal.NewFromInt(1)},
			{ID: "a", MaxPortfolioValue: decimal.NewFromInt(2)},
		}},
		{"zero max", []BrokerConfig{{ID: "a"}}},
		{"bad mode", []BrokerConfig{{ID: "a", Mode: "margin", MaxPortfolioValue: decimal.NewFromInt(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfgs)
			assert.Error(t, err)
		})
	}
}

func TestDefaultsAndOrder(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"alpaca", "moomoo"}, r.IDs())

	c, err := r.Get("moomoo")
	require.NoError(t, err)
	assert.Equal(t, ModePaper, c.Mode)
	assert.Equal(t, "USD", c.Currency)
	assert.True(t, c.MaxPortfolioValue.Equal(decimal.NewFromInt(50000)))

	_, err = r.Get("robinhood")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestUserLimitOverrides(t *testing.T) {
	r := testRegistry(t)

	_, ok := r.UserLimit("alpaca")
	assert.False(t, ok)

	require.NoError(t, r.SetUserLimit("alpaca", decimal.NewFromInt(1500)))
	v, ok := r.UserLimit("alpaca")
	require.True(t, ok)
	assert.Equal(t, "1500", v.String())

	snapshot := r.UserLimits()
	snapshot["alpaca"] = decimal.NewFromInt(1)
	v, _ = r.UserLimit("alpaca")
	assert.Equal(t, "1500", v.String(), "copy must not alias the registry")

	require.NoError(t, r.ClearUserLimit("alpaca"))
	require.NoError(t, r.ClearUserLimit("alpaca"))
	_, ok = r.UserLimit("alpaca")
	assert.False(t, ok)

	assert.Error(t, r.SetUserLimit("nope", decimal.NewFromInt(1)))
}

func TestConcurrentOverrides(t *testing.T) {
	r := testRegistry(t)
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(2)
		go func(n int64) {
			defer wg.Done()
			_ = r.SetUserLimit("moomoo", decimal.NewFromInt(n))
		}(int64(i))
		go func() {
			defer wg.Done()
			_, _ = r.UserLimit("moomoo")
		}()
	}
	wg.Wait()
	_, ok := r.UserLimit("moomoo")
	assert.True(t, ok)
}
