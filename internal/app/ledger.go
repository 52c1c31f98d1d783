package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"airledger/internal/config"
	"airledger/internal/modules/airquality/ledger"
)

// OpenLedger builds the Store selected by LEDGER_BACKEND. The returned close
// function is never nil.
func OpenLedger(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) (ledger.Store, func(), error) {
	noop := func() {}
	switch cfg.LedgerBackend {
	case config.LedgerEthereum:
		store, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:          cfg.LedgerRPCURL,
			ArtifactPath:    cfg.LedgerArtifactPath,
			NetworkID:       cfg.LedgerNetworkID,
			ContractAddress: cfg.LedgerContractAddress,
			From:            cfg.LedgerFrom,
			Gas:             cfg.LedgerGas,
		}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("open ethereum ledger: %w", err)
		}
		logger.Info("ethereum ledger ready", "rpc", cfg.LedgerRPCURL, "contract", store.Contract().Hex())
		return store, store.Close, nil
	case config.LedgerSQLite:
		if db == nil {
			return nil, noop, fmt.Errorf("sqlite ledger: no database")
		}
		logger.Info("sqlite ledger ready", "path", cfg.SQLitePath)
		return ledger.NewSQLiteStore(db), noop, nil
	case config.LedgerMemory:
		logger.Warn("memory ledger selected, readings are lost on restart")
		return ledger.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
