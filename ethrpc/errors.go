package ethrpc

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

var (
	// ErrRPCUnreachable is returned once every endpoint of the pool has
	// exhausted its retry budget on transient failures.
	ErrRPCUnreachable = errors.New("rpc_unreachable")
	// ErrContractNotFound is returned on permanent configuration failures,
	// e.g. no contract code at the configured address. It aborts execution
	// without retry or failover.
	ErrContractNotFound = errors.New("contract_not_found")
)

// ErrClass is the failure taxonomy used by the executor to decide between
// retrying, failing over and aborting.
type ErrClass int

const (
	ClassTransient ErrClass = iota
	ClassPermanent
	ClassUnknown
)

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timeout",
	"timed out",
	"eof",
	"abort",
	"too many requests",
	"service unavailable",
	"bad gateway",
}

var permanentMarkers = []string{
	"no contract code at given address",
	"contract not found",
}

// ClassifyErr sorts an RPC error into the transient / permanent / unknown
// taxonomy. Transient errors are transport level and worth retrying on the
// same URL and failing over; permanent ones are configuration problems that
// no amount of retrying will fix.
func ClassifyErr(err error) ErrClass {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, bind.ErrNoCode) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return ClassPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return ClassTransient
		}
	}
	return ClassUnknown
}
