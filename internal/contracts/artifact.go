package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Artifact is the subset of a hardhat build artifact needed to deploy.
type Artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// LoadArtifact reads a hardhat artifact such as
// artifacts/contracts/Escrow.sol/Escrow.json.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if len(a.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s has no abi", path)
	}
	return &a, nil
}

// Parsed returns the artifact's ABI.
func (a *Artifact) Parsed() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(string(a.ABI)))
}

// Code returns the creation bytecode.
func (a *Artifact) Code() ([]byte, error) {
	code := common.FromHex(a.Bytecode)
	if len(code) == 0 {
		return nil, errors.New("artifact has empty bytecode")
	}
	return code, nil
}
