package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// FailureClass buckets an endpoint failure for backoff decisions.
type FailureClass int

const (
	// FailTransport covers network errors, timeouts and 5xx responses.
	FailTransport FailureClass = iota
	// FailRateLimited covers HTTP 429 and provider quota errors.
	FailRateLimited
	// FailMalformed covers responses that arrived but could not be decoded.
	FailMalformed
)

func (c FailureClass) String() string {
	switch c {
	case FailTransport:
		return "transport"
	case FailRateLimited:
		return "rate_limited"
	case FailMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// DecodeError marks a payload that came back over the wire but did not
// decode into the expected shape. It counts against the responding endpoint.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EndpointFailure records one failed attempt during a failover sweep.
type EndpointFailure struct {
	URL   string
	Class FailureClass
	Err   error
}

func (f EndpointFailure) Error() string {
	return fmt.Sprintf("%s (%s): %v", maskURL(f.URL), f.Class, f.Err)
}

func (f EndpointFailure) Unwrap() error { return f.Err }

// ExhaustedEndpointsError is returned when every candidate endpoint failed
// for a single logical call. It keeps the per-endpoint outcomes so callers
// can tell a dead network apart from a universally reverting call.
type ExhaustedEndpointsError struct {
	Method   string
	Failures []EndpointFailure
}

func (e *ExhaustedEndpointsError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%s: no endpoints available", e.Method)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s: all %d endpoints failed: %s", e.Method, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the last failure, which is usually the most recent and
// most relevant one for errors.Is/As chains.
func (e *ExhaustedEndpointsError) Unwrap() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// NoLiquidityError means every candidate pool reported zero reserves.
type NoLiquidityError struct {
	Token string
	Base  string
}

func (e *NoLiquidityError) Error() string {
	return fmt.Sprintf("no pool with liquidity for %s/%s", e.Token, e.Base)
}

// StalePoolError means pools had liquidity but none was observed recently
// enough relative to the chain head.
type StalePoolError struct {
	Pool          string
	ObservedBlock uint64
	HeadBlock     uint64
	Limit         uint64
}

func (e *StalePoolError) Error() string {
	return fmt.Sprintf("pool %s stale: observed at block %d, head %d, limit %d blocks",
		e.Pool, e.ObservedBlock, e.HeadBlock, e.Limit)
}

// classifyError decides which failure bucket an RPC error belongs to.
// Rate limits are detected from the HTTP status first, then from the
// provider-specific message strings seen in the wild.
func classifyError(err error) FailureClass {
	if err == nil {
		return FailTransport
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 429 {
			return FailRateLimited
		}
		if httpErr.StatusCode >= 500 {
			return FailTransport
		}
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return FailMalformed
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "limit exceeded") {
		return FailRateLimited
	}
	if strings.Contains(errStr, "execution reverted") || strings.Contains(errStr, "invalid opcode") {
		return FailMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTransport
	}

	// JSON-RPC level errors other than reverts still mean the endpoint
	// answered; anything else is a wire problem.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return FailMalformed
	}
	return FailTransport
}
