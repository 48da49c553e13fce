package contracts

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason extracts the reason string of a contract revert. The ABI
// encoded error data is preferred; nodes that only return a message are
// handled by parsing it.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	i := strings.Index(msg, revertPrefix)
	if i < 0 {
		return "", false
	}
	reason := strings.TrimPrefix(msg[i+len(revertPrefix):], ":")
	return strings.TrimSpace(reason), true
}

// IsRevert reports whether err is a contract revert rather than a transport
// or node failure.
func IsRevert(err error) bool {
	_, ok := RevertReason(err)
	return ok
}
