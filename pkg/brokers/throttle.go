package brokers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits the request rate of an adapter's remote calls.
type Throttled struct {
	Adapter
	limiter *rate.Limiter
}

// Throttle wraps a with a token bucket of rps requests per second.
func Throttle(a Adapter, rps float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{Adapter: a, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Fill{}, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}
	return t.Adapter.PlaceOrder(ctx, req)
}

func (t *Throttled) GetPortfolio(ctx context.Context) (Portfolio, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Portfolio{}, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}
	return t.Adapter.GetPortfolio(ctx)
}

// Reset forwards to the wrapped adapter. Adapters without a resettable book
// have nothing to do.
func (t *Throttled) Reset(ctx context.Context) error {
	if r, ok := t.Adapter.(Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}
