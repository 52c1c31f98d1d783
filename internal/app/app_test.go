package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"airledger/internal/config"
	"airledger/internal/modules/airquality/ledger"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	return config.Config{
		AppEnv:             "dev",
		HTTPAddr:           "127.0.0.1:0",
		LedgerBackend:      backend,
		LedgerRPCURL:       "http://127.0.0.1:1",
		LedgerArtifactPath: filepath.Join(t.TempDir(), "missing.json"),
		LedgerGas:          ledger.DefaultGas,
		SQLiteDriver:       "sqlite3",
		SQLitePath:         filepath.Join(t.TempDir(), "airledger.db"),
		SQLiteMaxOpenConns: 1,
		SQLiteMaxIdleConns: 1,
		LastN:              10,
	}
}

func TestOpenLedger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory", func(t *testing.T) {
		store, closeFn, err := OpenLedger(context.Background(), testConfig(t, config.LedgerMemory), nil, logger)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if _, ok := store.(*ledger.MemoryStore); !ok {
			t.Errorf("store = %T, want *ledger.MemoryStore", store)
		}
	})

	t.Run("sqlite without db", func(t *testing.T) {
		_, closeFn, err := OpenLedger(context.Background(), testConfig(t, config.LedgerSQLite), nil, logger)
		if err == nil {
			t.Fatal("expected error")
		}
		closeFn()
	})

	t.Run("ethereum without resolvable contract fails fast", func(t *testing.T) {
		_, closeFn, err := OpenLedger(context.Background(), testConfig(t, config.LedgerEthereum), nil, logger)
		if !errors.Is(err, ledger.ErrContractUnresolved) {
			t.Fatalf("err = %v, want ErrContractUnresolved", err)
		}
		closeFn()
	})

	t.Run("unknown backend", func(t *testing.T) {
		if _, _, err := OpenLedger(context.Background(), testConfig(t, "postgres"), nil, logger); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRun_UnresolvedContractExits(t *testing.T) {
	cfg := testConfig(t, config.LedgerEthereum)
	err := Run(context.Background(), cfg)
	if !errors.Is(err, ledger.ErrContractUnresolved) {
		t.Fatalf("Run() = %v, want ErrContractUnresolved", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t, config.LedgerSQLite)
	cfg.GeneratorEnabled = true
	cfg.GenerationInterval = 1 << 62
	cfg.DashboardPollInterval = 1 << 30

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}
