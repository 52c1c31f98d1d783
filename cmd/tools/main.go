package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"airledger/internal/app"
	"airledger/internal/config"
	"airledger/internal/db"
	"airledger/internal/logging"
	"airledger/internal/migrate"
	"airledger/internal/modules/airquality/archive"
	"airledger/internal/modules/airquality/ledger"
	"airledger/internal/modules/airquality/repository"
	"airledger/internal/modules/airquality/service"
	"airledger/internal/modules/airquality/types"
)

var version = "dev"

const appName = "airledger-tools"

const usage = `usage: %s <command> [flags]
  migrate         apply pending schema migrations
  dump            print every reading on the ledger as JSON lines
  verify          check the hash chain of the sqlite ledger
  pins [-n N]     list the newest archive pins
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewWithWriter(os.Stderr, cfg, version, appName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, command string, args []string, out io.Writer) error {
	conn, err := db.Open(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	switch command {
	case "migrate":
		applied, err := migrate.Run(conn)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "migrations applied: %d\n", len(applied))
		return nil
	case "dump":
		return dump(ctx, cfg, conn, out)
	case "verify":
		return verify(ctx, cfg, conn, out)
	case "pins":
		fs := flag.NewFlagSet("pins", flag.ContinueOnError)
		n := fs.Int("n", 20, "number of pins to list")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return listPins(ctx, conn, *n, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func dump(ctx context.Context, cfg config.Config, conn *sql.DB, out io.Writer) error {
	if _, err := migrate.Run(conn); err != nil {
		return err
	}
	store, closeLedger, err := app.OpenLedger(ctx, cfg, conn, slog.Default())
	if err != nil {
		return err
	}
	defer closeLedger()

	client := ledger.NewClient(store, ledger.Options{
		CallTimeout:    cfg.LedgerCallTimeout,
		ConfirmTimeout: cfg.LedgerConfirmTimeout,
	})
	count, err := client.Count(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for i := uint64(0); i < count; i++ {
		r, err := client.GetObserved(ctx, i, count)
		if err != nil {
			return err
		}
		line := struct {
			archive.Document
			Health types.Health `json:"health"`
		}{archive.NewDocument(r), service.Classify(&r.Measurement)}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	slog.Info("dump complete", "readings", count)
	return nil
}

func verify(ctx context.Context, cfg config.Config, conn *sql.DB, out io.Writer) error {
	if cfg.LedgerBackend != config.LedgerSQLite {
		return fmt.Errorf("verify needs LEDGER_BACKEND=sqlite, got %q", cfg.LedgerBackend)
	}
	checked, err := ledger.NewSQLiteStore(conn).Verify(ctx)
	if errors.Is(err, ledger.ErrChainBroken) {
		fmt.Fprintf(out, "chain broken after %d intact readings: %v\n", checked, err)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "chain intact: %d readings\n", checked)
	return nil
}

func listPins(ctx context.Context, conn *sql.DB, n int, out io.Writer) error {
	if _, err := migrate.Run(conn); err != nil {
		return err
	}
	pins, err := repository.NewRepository(conn).ListPins(ctx, n)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, p := range pins {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}
