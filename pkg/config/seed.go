package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UserBrokerSeed is one user-broker roster entry in the seed YAML.
type UserBrokerSeed struct {
	ID              string   `yaml:"id"`
	UserID          string   `yaml:"user_id"`
	Role            string   `yaml:"role"` // DATA | EXEC
	Venue           string   `yaml:"venue"`
	Enabled         bool     `yaml:"enabled"`
	Symbols         []string `yaml:"symbols"`
	Capital         float64  `yaml:"capital"`
	MaxExposure     float64  `yaml:"max_exposure"`
	MaxPerTrade     float64  `yaml:"max_per_trade"`
	MaxOpenTrades   int      `yaml:"max_open_trades"`
	MaxDailyLoss    float64  `yaml:"max_daily_loss"`
	MaxWeeklyLoss   float64  `yaml:"max_weekly_loss"`
	CooldownMinutes int      `yaml:"cooldown_minutes"`
}

// SeedFile is the top-level seed YAML structure: symbol universe plus
// the user-broker roster to register on first boot.
type SeedFile struct {
	Symbols     []string         `yaml:"symbols"`
	UserBrokers []UserBrokerSeed `yaml:"user_brokers"`
}

// LoadSeed reads the symbol universe and user-broker roster from path.
// Absence of the file is not an error — a fresh deployment may register
// user-brokers entirely through the API.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &SeedFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &f, nil
}
