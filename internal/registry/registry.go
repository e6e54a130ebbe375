// Package registry holds the static per-broker configuration and the mutable
// user-defined trading limits.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"autotrade-core/internal/apperr"
	"autotrade-core/pkg/config"

	"github.com/shopspring/decimal"
)

// Mode is the broker account mode.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// BrokerConfig is the static configuration of one broker.
type BrokerConfig struct {
	ID                string          `json:"id"`
	DisplayName       string          `json:"displayName"`
	Currency          string          `json:"currency"`
	Mode              Mode            `json:"mode"`
	MaxPortfolioValue decimal.Decimal `json:"maxPortfolioValue"`
	Adapter           string          `json:"adapter"`
}

// Registry is safe for concurrent use. Broker configs never change after
// construction; only the override map is mutable.
type Registry struct {
	order   []string
	brokers map[string]BrokerConfig

	mu     sync.RWMutex
	limits map[string]decimal.Decimal
}

// New validates and indexes broker configs, preserving their order.
func New(cfgs []BrokerConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("registry: no brokers configured")
	}
	r := &Registry{
		brokers: make(map[string]BrokerConfig, len(cfgs)),
		limits:  make(map[string]decimal.Decimal),
	}
	for _, c := range cfgs {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return nil, fmt.Errorf("registry: broker id is empty")
		}
		if _, dup := r.brokers[c.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate broker id %q", c.ID)
		}
		if !c.MaxPortfolioValue.IsPositive() {
			return nil, fmt.Errorf("registry: broker %q max portfolio value must be positive", c.ID)
		}
		switch c.Mode {
		case ModeLive, ModePaper:
		case "":
			c.Mode = ModePaper
		default:
			return nil, fmt.Errorf("registry: broker %q has unknown mode %q", c.ID, c.Mode)
		}
		if c.DisplayName == "" {
			c.DisplayName = c.ID
		}
		if c.Currency == "" {
			c.Currency = "USD"
		}
		r.brokers[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// FromConfig converts loaded broker entries.
func FromConfig(entries []config.Broker) (*Registry, error) {
	cfgs := make([]BrokerConfig, 0, len(entries))
	for _, e := range entries {
		cfgs = append(cfgs, BrokerConfig{
			ID:                e.ID,
			DisplayName:       e.DisplayName,
			Currency:          e.Currency,
			Mode:              Mode(strings.ToLower(e.Mode)),
			MaxPortfolioValue: decimal.NewFromFloat(e.MaxPortfolioValue),
			Adapter:           e.Adapter,
		})
	}
	return New(cfgs)
}

// Get returns a broker config or a NotFound error.
func (r *Registry) Get(id string) (BrokerConfig, error) {
	c, ok := r.brokers[id]
	if !ok {
		return BrokerConfig{}, apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "unknown broker %q", id)
	}
	return c, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.brokers[id]
	return ok
}

// IDs returns broker ids in registry order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// List returns broker configs in registry order.
func (r *Registry) List() []BrokerConfig {
	out := make([]BrokerConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.brokers[id])
	}
	return out
}

// UserLimit returns the override for a broker, if any.
func (r *Registry) UserLimit(id string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.limits[id]
	return v, ok
}

// SetUserLimit stores an override. Callers validate first.
func (r *Registry) SetUserLimit(id string, limit decimal.Decimal) error {
	if !r.Has(id) {
		return apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "unknown broker %q", id)
	}
	r.mu.Lock()
	r.limits[id] = limit
	r.mu.Unlock()
	return nil
}

// ClearUserLimit removes an override; clearing an unset limit is a no-op.
func (r *Registry) ClearUserLimit(id string) error {
	if !r.Has(id) {
		return apperr.Newf(apperr.KindNotFound, apperr.CodeBrokerNotFound, "unknown broker %q", id)
	}
	r.mu.Lock()
	delete(r.limits, id)
	r.mu.Unlock()
	return nil
}

// UserLimits returns a copy of the override map.
func (r *Registry) UserLimits() map[string]decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(r.limits))
	for k, v := range r.limits {
		out[k] = v
	}
	return out
}
