package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError is returned by Submit when the ledger rejects the call, and
// wrapped by EstimationError when estimation shows the call would revert.
type RevertError struct {
	Method string
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

// ConfirmationError is returned by WaitConfirmed when no receipt could be
// obtained. The transaction may still land later.
type ConfirmationError struct {
	Hash common.Hash
	Err  error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("confirm %s: %v", e.Hash.Hex(), e.Err)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// EstimationError is returned by EstimateCost. Callers must not proceed.
type EstimationError struct {
	Method string
	Err    error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimate %s: %v", e.Method, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// revertReason extracts the Error(string) payload from a JSON-RPC error when
// the node returns one, falling back to the error text.
func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func isRevert(err error) bool {
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
