package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"SimpleBet/internal/core"
	fpmath "SimpleBet/internal/math"
)

// Genesis is the initial contract configuration, applied once on first start.
//
//	max_bet_ratio: {num: "1", den: "10"}
//	winning_proba: {num: "128", den: "256"}
type Genesis struct {
	MaxBetRatio  genesisFraction `yaml:"max_bet_ratio"`
	WinningProba genesisFraction `yaml:"winning_proba"`
}

// Amounts are u128, so they are written as decimal strings.
type genesisFraction struct {
	Num string `yaml:"num"`
	Den string `yaml:"den"`
}

func (g genesisFraction) fraction() (fpmath.Fraction, error) {
	num, err := fpmath.ParseAmount(g.Num)
	if err != nil {
		return fpmath.Fraction{}, fmt.Errorf("num: %w", err)
	}
	den, err := fpmath.ParseAmount(g.Den)
	if err != nil {
		return fpmath.Fraction{}, fmt.Errorf("den: %w", err)
	}
	return fpmath.Fraction{Num: num, Den: den}, nil
}

// ParseGenesis decodes and validates a genesis document.
func ParseGenesis(data []byte) (core.Config, error) {
	var g Genesis
	if err := yaml.Unmarshal(data, &g); err != nil {
		return core.Config{}, fmt.Errorf("decode genesis: %w", err)
	}

	maxBet, err := g.MaxBetRatio.fraction()
	if err != nil {
		return core.Config{}, fmt.Errorf("max_bet_ratio: %w", err)
	}
	proba, err := g.WinningProba.fraction()
	if err != nil {
		return core.Config{}, fmt.Errorf("winning_proba: %w", err)
	}

	cfg := core.Config{MaxBetRatio: maxBet, WinningProba: proba}
	if err := cfg.Validate(); err != nil {
		return core.Config{}, err
	}
	return cfg, nil
}

// LoadGenesis reads a genesis file from disk.
func LoadGenesis(path string) (core.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Config{}, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(data)
}
