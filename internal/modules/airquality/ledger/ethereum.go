package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"airledger/internal/modules/airquality/types"
)

const (
	DefaultGas          = 1_000_000
	defaultReceiptPoll  = 500 * time.Millisecond
	readingOutputFields = 5
)

// txArgs is the eth_sendTransaction payload for a node-managed (unlocked)
// writer account.
type txArgs struct {
	From common.Address  `json:"from"`
	To   *common.Address `json:"to"`
	Gas  hexutil.Uint64  `json:"gas"`
	Data hexutil.Bytes   `json:"data"`
}

// chainBackend is the part of a JSON-RPC node the store talks to.
type chainBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionInBlock(ctx context.Context, blockHash common.Hash, index uint) (*gethtypes.Transaction, error)
	SendUnsigned(ctx context.Context, args txArgs) (common.Hash, error)
	Close()
}

type rpcBackend struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

func (b *rpcBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return b.eth.CallContract(ctx, msg, blockNumber)
}

func (b *rpcBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return b.eth.TransactionReceipt(ctx, txHash)
}

func (b *rpcBackend) TransactionInBlock(ctx context.Context, blockHash common.Hash, index uint) (*gethtypes.Transaction, error) {
	return b.eth.TransactionInBlock(ctx, blockHash, index)
}

func (b *rpcBackend) SendUnsigned(ctx context.Context, args txArgs) (common.Hash, error) {
	var hash common.Hash
	err := b.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args)
	return hash, err
}

func (b *rpcBackend) Close() {
	b.eth.Close()
}

type EthereumConfig struct {
	RPCURL       string
	ArtifactPath string
	// NetworkID selects the artifact entry; empty means ask the node.
	NetworkID string
	// ContractAddress skips artifact address lookup when set.
	ContractAddress string
	// From is the writer account; empty means the node's first account.
	From string
	Gas  uint64
}

// EthereumStore talks to the AirQualityData contract over JSON-RPC.
type EthereumStore struct {
	backend     chainBackend
	abi         abi.ABI
	contract    common.Address
	from        common.Address
	gas         uint64
	receiptPoll time.Duration
	logger      *slog.Logger
}

// DialEthereum connects to the node and resolves the contract address and
// writer account. Any unresolved identifier is an error.
func DialEthereum(ctx context.Context, cfg EthereumConfig, logger *slog.Logger) (*EthereumStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	backend := &rpcBackend{eth: ethclient.NewClient(rpcClient), rpc: rpcClient}

	store, err := resolveEthereum(ctx, cfg, backend, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store, nil
}

func resolveEthereum(ctx context.Context, cfg EthereumConfig, backend *rpcBackend, logger *slog.Logger) (*EthereumStore, error) {
	var (
		contractABI abi.ABI
		address     common.Address
		err         error
	)
	if cfg.ContractAddress != "" {
		if !common.IsHexAddress(cfg.ContractAddress) {
			return nil, fmt.Errorf("%w: invalid LEDGER_CONTRACT_ADDRESS %q", ErrContractUnresolved, cfg.ContractAddress)
		}
		address = common.HexToAddress(cfg.ContractAddress)
		if contractABI, err = DefaultABI(); err != nil {
			return nil, err
		}
	} else {
		artifact, err := LoadArtifact(cfg.ArtifactPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContractUnresolved, err)
		}
		networkID := cfg.NetworkID
		if networkID == "" {
			id, err := backend.eth.NetworkID(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: query network id: %v", ErrContractUnresolved, err)
			}
			networkID = id.String()
		}
		if address, err = artifact.Address(networkID); err != nil {
			return nil, err
		}
		if contractABI, err = artifact.ContractABI(); err != nil {
			return nil, err
		}
		logger.Info("contract resolved from artifact",
			"artifact", cfg.ArtifactPath,
			"network_id", networkID,
			"address", address.Hex(),
		)
	}

	var from common.Address
	if cfg.From != "" {
		if !common.IsHexAddress(cfg.From) {
			return nil, fmt.Errorf("invalid LEDGER_FROM %q", cfg.From)
		}
		from = common.HexToAddress(cfg.From)
	} else {
		var accounts []common.Address
		if err := backend.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
			return nil, fmt.Errorf("list node accounts: %w", err)
		}
		if len(accounts) == 0 {
			return nil, errors.New("node reports no accounts and LEDGER_FROM is unset")
		}
		from = accounts[0]
		logger.Info("writer account taken from node", "from", from.Hex())
	}

	return newEthereumStore(backend, contractABI, address, from, cfg.Gas, logger), nil
}

func newEthereumStore(backend chainBackend, contractABI abi.ABI, contract, from common.Address, gas uint64, logger *slog.Logger) *EthereumStore {
	if gas == 0 {
		gas = DefaultGas
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EthereumStore{
		backend:     backend,
		abi:         contractABI,
		contract:    contract,
		from:        from,
		gas:         gas,
		receiptPoll: defaultReceiptPoll,
		logger:      logger,
	}
}

func (s *EthereumStore) Close() {
	s.backend.Close()
}

func (s *EthereumStore) Contract() common.Address { return s.contract }

// AddReading sends addReading and waits for the receipt. The block timestamp
// becomes the reading timestamp, so ts is ignored.
func (s *EthereumStore) AddReading(ctx context.Context, m types.Measurement, _ time.Time) (uint64, error) {
	data, err := s.abi.Pack(methodAddReading,
		new(big.Int).SetUint64(m.CO2),
		new(big.Int).SetUint64(m.NO2),
		new(big.Int).SetUint64(m.PM25),
		new(big.Int).SetUint64(m.PM10),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: pack addReading: %v", ErrWriteRejected, err)
	}

	to := s.contract
	txHash, err := s.backend.SendUnsigned(ctx, txArgs{
		From: s.from,
		To:   &to,
		Gas:  hexutil.Uint64(s.gas),
		Data: data,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: send transaction: %v", ErrWriteTimeout, err)
		}
		return 0, fmt.Errorf("%w: send transaction: %v", ErrWriteRejected, err)
	}
	s.logger.Debug("addReading sent", "tx", txHash.Hex())

	receipt, err := s.waitMined(ctx, txHash)
	if err != nil {
		return 0, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return 0, fmt.Errorf("%w: transaction %s reverted (gas used %d of %d)",
			ErrWriteRejected, txHash.Hex(), receipt.GasUsed, s.gas)
	}

	index, err := s.assignedIndex(ctx, receipt)
	if err != nil {
		return 0, fmt.Errorf("%w: locate reading of %s: %v", ErrWriteRejected, txHash.Hex(), err)
	}
	return index, nil
}

// assignedIndex finds the slot a mined addReading wrote to: the count before
// its block plus the successful addReading calls mined ahead of it in the
// same block. The contract appends in transaction order, so this holds with
// several appends per block.
func (s *EthereumStore) assignedIndex(ctx context.Context, receipt *gethtypes.Receipt) (uint64, error) {
	var index uint64
	if receipt.BlockNumber.Sign() > 0 {
		prev := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
		n, err := s.countAt(ctx, prev)
		if err != nil {
			return 0, fmt.Errorf("count at block %s: %w", prev, err)
		}
		index = n
	}

	selector := s.abi.Methods[methodAddReading].ID
	for i := uint(0); i < receipt.TransactionIndex; i++ {
		tx, err := s.backend.TransactionInBlock(ctx, receipt.BlockHash, i)
		if err != nil {
			return 0, fmt.Errorf("transaction %d of block %s: %w", i, receipt.BlockNumber, err)
		}
		if tx.To() == nil || *tx.To() != s.contract || !bytes.HasPrefix(tx.Data(), selector) {
			continue
		}
		r, err := s.backend.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return 0, fmt.Errorf("receipt of %s: %w", tx.Hash().Hex(), err)
		}
		if r.Status == gethtypes.ReceiptStatusSuccessful {
			index++
		}
	}

	count, err := s.countAt(ctx, receipt.BlockNumber)
	if err != nil {
		return 0, fmt.Errorf("count at block %s: %w", receipt.BlockNumber, err)
	}
	if index >= count {
		return 0, fmt.Errorf("index %d not below count %d at block %s", index, count, receipt.BlockNumber)
	}
	return index, nil
}

func (s *EthereumStore) GetReadingCount(ctx context.Context) (uint64, error) {
	return s.countAt(ctx, nil)
}

func (s *EthereumStore) GetReading(ctx context.Context, index uint64) (types.Reading, error) {
	out, err := s.call(ctx, nil, methodGetReading, new(big.Int).SetUint64(index))
	if err != nil {
		if isRevert(err) {
			return types.Reading{}, fmt.Errorf("%w: getReading(%d) reverted", ErrNotFound, index)
		}
		return types.Reading{}, err
	}
	if len(out) != readingOutputFields {
		return types.Reading{}, fmt.Errorf("getReading(%d) returned %d fields, want %d", index, len(out), readingOutputFields)
	}
	fields := make([]uint64, readingOutputFields)
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok || n == nil || !n.IsUint64() {
			return types.Reading{}, fmt.Errorf("getReading(%d) field %d is not a uint64: %v", index, i, v)
		}
		fields[i] = n.Uint64()
	}
	return types.Reading{
		Index:     index,
		Timestamp: time.Unix(int64(fields[0]), 0).UTC(),
		Measurement: types.Measurement{
			CO2:  fields[1],
			NO2:  fields[2],
			PM25: fields[3],
			PM10: fields[4],
		},
	}, nil
}

func (s *EthereumStore) countAt(ctx context.Context, block *big.Int) (uint64, error) {
	out, err := s.call(ctx, block, methodGetReadingCount)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("getReadingCount returned %d values", len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok || n == nil || !n.IsUint64() {
		return 0, fmt.Errorf("getReadingCount returned %v", out[0])
	}
	return n.Uint64(), nil
}

func (s *EthereumStore) call(ctx context.Context, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	to := s.contract
	raw, err := s.backend.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := s.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (s *EthereumStore) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(s.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.Debug("receipt lookup failed", "tx", txHash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: transaction %s: %v", ErrWriteTimeout, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
