package ledger

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abi/AirQualityData.json
var defaultABIJSON []byte

// ErrContractUnresolved is returned when the deployment metadata has no
// address for the selected network. The server refuses to start on it.
var ErrContractUnresolved = errors.New("contract address unresolved")

const (
	methodAddReading      = "addReading"
	methodGetReadingCount = "getReadingCount"
	methodGetReading      = "getReading"
)

// Artifact is the subset of a Truffle build artifact
// (build/contracts/<Name>.json) needed to address a deployed contract.
type Artifact struct {
	ContractName string                     `json:"contractName"`
	ABI          json.RawMessage            `json:"abi"`
	Networks     map[string]ArtifactNetwork `json:"networks"`
}

type ArtifactNetwork struct {
	Address         string `json:"address"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

func LoadArtifact(path string) (Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	return a, nil
}

// Address returns the deployed address recorded for networkID.
func (a Artifact) Address(networkID string) (common.Address, error) {
	n, ok := a.Networks[networkID]
	if !ok {
		known := make([]string, 0, len(a.Networks))
		for id := range a.Networks {
			known = append(known, id)
		}
		sort.Strings(known)
		return common.Address{}, fmt.Errorf("%w: network %q not in artifact (known: %s)",
			ErrContractUnresolved, networkID, strings.Join(known, ","))
	}
	if !common.IsHexAddress(n.Address) {
		return common.Address{}, fmt.Errorf("%w: network %q has invalid address %q",
			ErrContractUnresolved, networkID, n.Address)
	}
	return common.HexToAddress(n.Address), nil
}

// ContractABI parses the artifact ABI, falling back to the bundled
// AirQualityData ABI when the artifact carries none.
func (a Artifact) ContractABI() (abi.ABI, error) {
	if len(a.ABI) == 0 || string(a.ABI) == "null" {
		return DefaultABI()
	}
	return parseABI(a.ABI)
}

func DefaultABI() (abi.ABI, error) {
	return parseABI(defaultABIJSON)
}

func parseABI(b []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(b))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	for _, name := range []string{methodAddReading, methodGetReadingCount, methodGetReading} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("abi is missing method %s", name)
		}
	}
	return parsed, nil
}
