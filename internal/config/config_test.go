package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"SimpleBet/internal/config"
	fpmath "SimpleBet/internal/math"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	if cfg.Store != config.StoreMemory {
		t.Errorf("store: got %q", cfg.Store)
	}
	if cfg.ContractID != "simplebet.local" {
		t.Errorf("contract id: got %q", cfg.ContractID)
	}
	if cfg.PersistFlushTimeout != 10*time.Millisecond {
		t.Errorf("flush timeout: got %v", cfg.PersistFlushTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SIMPLEBET_CONTRACT_ID", "bet.testnet")
	t.Setenv("SIMPLEBET_STORE", "Postgres")
	t.Setenv("SIMPLEBET_PERSIST_BATCH_SIZE", "7")
	t.Setenv("SIMPLEBET_BLOCK_INTERVAL", "250ms")
	t.Setenv("SIMPLEBET_PUBLISH_CHAN_SIZE", "not-a-number")

	cfg := config.Load()
	if cfg.ContractID != "bet.testnet" {
		t.Errorf("contract id: got %q", cfg.ContractID)
	}
	if cfg.Store != config.StorePostgres || !cfg.HistoryEnabled() {
		t.Errorf("store: got %q", cfg.Store)
	}
	if cfg.PersistBatchSize != 7 {
		t.Errorf("batch size: got %d", cfg.PersistBatchSize)
	}
	if cfg.BlockInterval != 250*time.Millisecond {
		t.Errorf("block interval: got %v", cfg.BlockInterval)
	}
	if cfg.PublishChanSize != 2048 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.PublishChanSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown store", func(c *config.Config) { c.Store = "sqlite" }},
		{"empty contract", func(c *config.Config) { c.ContractID = "" }},
		{"zero batch", func(c *config.Config) { c.PersistBatchSize = 0 }},
		{"zero channel", func(c *config.Config) { c.PersistChanSize = 0 }},
		{"zero interval", func(c *config.Config) { c.BlockInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Load()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseGenesis(t *testing.T) {
	cfg, err := config.ParseGenesis([]byte(`
max_bet_ratio: {num: 1, den: 10}
winning_proba: {num: "128", den: "256"}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.MaxBetRatio.Num.Equal(fpmath.NewAmount(1)) || !cfg.MaxBetRatio.Den.Equal(fpmath.NewAmount(10)) {
		t.Errorf("max bet ratio: got %s", cfg.MaxBetRatio)
	}
	if !cfg.WinningProba.Num.Equal(fpmath.NewAmount(128)) {
		t.Errorf("winning proba: got %s", cfg.WinningProba)
	}
}

func TestParseGenesis_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero ratio", "max_bet_ratio: {num: 0, den: 10}\nwinning_proba: {num: 1, den: 256}"},
		{"ratio above one", "max_bet_ratio: {num: 11, den: 10}\nwinning_proba: {num: 1, den: 256}"},
		{"wrong proba denominator", "max_bet_ratio: {num: 1, den: 10}\nwinning_proba: {num: 1, den: 100}"},
		{"not a number", "max_bet_ratio: {num: one, den: 10}\nwinning_proba: {num: 1, den: 256}"},
		{"negative", "max_bet_ratio: {num: -1, den: 10}\nwinning_proba: {num: 1, den: 256}"},
		{"missing", "max_bet_ratio: {num: 1, den: 10}"},
		{"bad yaml", "max_bet_ratio: [1, 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.ParseGenesis([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadGenesis_RepoFile(t *testing.T) {
	cfg, err := config.LoadGenesis(filepath.Join("..", "..", "configs", "genesis.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("repo genesis invalid: %v", err)
	}
}

func TestLoadGenesis_Missing(t *testing.T) {
	_, err := config.LoadGenesis(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}
