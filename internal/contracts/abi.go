// Package contracts holds the wire surface of the Negotiation and Escrow
// contracts: ABIs, event shapes and log encoding helpers.
package contracts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrEventMismatch = errors.New("event signature mismatch")
	ErrEventNotFound = errors.New("event not found in receipt")
)

var (
	negotiationABI = mustParse(NegotiationABI)
	escrowABI      = mustParse(EscrowABI)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Negotiation returns the parsed Negotiation ABI.
func Negotiation() abi.ABI { return negotiationABI }

// Escrow returns the parsed Escrow ABI.
func Escrow() abi.ABI { return escrowABI }

// PackLog encodes an event the way the EVM emits it: indexed inputs become
// topics after the signature hash, the rest is ABI-packed into Data.
func PackLog(parsed abi.ABI, address common.Address, name string, args ...interface{}) (types.Log, error) {
	ev, ok := parsed.Events[name]
	if !ok {
		return types.Log{}, fmt.Errorf("event %q not in abi", name)
	}
	if len(args) != len(ev.Inputs) {
		return types.Log{}, fmt.Errorf("event %s: want %d args, got %d", name, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	data := make([]interface{}, 0, len(args))
	for i, input := range ev.Inputs {
		if !input.Indexed {
			data = append(data, args[i])
			continue
		}
		t, err := abi.MakeTopics([]interface{}{args[i]})
		if err != nil {
			return types.Log{}, fmt.Errorf("event %s topic %s: %w", name, input.Name, err)
		}
		topics = append(topics, t[0][0])
	}

	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return types.Log{}, fmt.Errorf("event %s pack: %w", name, err)
	}
	return types.Log{Address: address, Topics: topics, Data: packed}, nil
}

// UnpackLog decodes log into out, a pointer to one of the event structs.
func UnpackLog(parsed abi.ABI, out interface{}, name string, log types.Log) error {
	ev, ok := parsed.Events[name]
	if !ok {
		return fmt.Errorf("event %q not in abi", name)
	}
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return ErrEventMismatch
	}
	if len(log.Data) > 0 {
		if err := parsed.UnpackIntoInterface(out, name, log.Data); err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return abi.ParseTopics(out, indexed, log.Topics[1:])
}

// EventName reports which event of parsed produced log.
func EventName(parsed abi.ABI, log types.Log) (string, bool) {
	if len(log.Topics) == 0 {
		return "", false
	}
	ev, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return "", false
	}
	return ev.Name, true
}

// FindLog decodes the first log in receipt emitted by address as event name.
func FindLog(parsed abi.ABI, receipt *types.Receipt, address common.Address, name string, out interface{}) error {
	if receipt == nil {
		return ErrEventNotFound
	}
	ev, ok := parsed.Events[name]
	if !ok {
		return fmt.Errorf("event %q not in abi", name)
	}
	for _, l := range receipt.Logs {
		if l == nil || l.Address != address || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		return UnpackLog(parsed, out, name, *l)
	}
	return ErrEventNotFound
}

// Topic returns the signature hash of event name.
func Topic(parsed abi.ABI, name string) common.Hash {
	return parsed.Events[name].ID
}
