package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Broker is one entry of the broker registry file.
type Broker struct {
	ID                string  `yaml:"id"`
	DisplayName       string  `yaml:"display_name"`
	Currency          string  `yaml:"currency"`
	Mode              string  `yaml:"mode"` // live | paper
	MaxPortfolioValue float64 `yaml:"max_portfolio_value"`
	// Adapter selects the connector; empty means "paper".
	Adapter string `yaml:"adapter"`
}

type brokersFile struct {
	Brokers []Broker `yaml:"brokers"`
}

// DefaultBrokers is used when no BROKERS_FILE is configured.
func DefaultBrokers() []Broker {
	return []Broker{
		{ID: "alpaca", DisplayName: "Alpaca", Currency: "USD", Mode: "paper", MaxPortfolioValue: 100000, Adapter: "alpaca"},
		{ID: "moomoo", DisplayName: "Moomoo", Currency: "USD", Mode: "paper", MaxPortfolioValue: 50000, Adapter: "paper"},
	}
}

// LoadBrokers parses a YAML registry file.
func LoadBrokers(path string) ([]Broker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read brokers file: %w", err)
	}
	var f brokersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse brokers file: %w", err)
	}
	if len(f.Brokers) == 0 {
		return nil, fmt.Errorf("brokers file %s lists no brokers", path)
	}
	for i := range f.Brokers {
		if f.Brokers[i].Mode == "" {
			f.Brokers[i].Mode = "paper"
		}
		if f.Brokers[i].Currency == "" {
			f.Brokers[i].Currency = "USD"
		}
		if f.Brokers[i].Adapter == "" {
			f.Brokers[i].Adapter = "paper"
		}
	}
	return f.Brokers, nil
}
