package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"token-extractor-go/internal/limiter"
	"token-extractor-go/internal/monitor"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Transport is the JSON-RPC connection surface the balancer needs.
// *rpc.Client satisfies it; tests swap in mocks.
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// TransportDialer opens a Transport for one endpoint URL.
type TransportDialer func(ctx context.Context, url string) (Transport, error)

func defaultDialer(ctx context.Context, url string) (Transport, error) {
	return rpc.DialContext(ctx, url)
}

// delay before moving on after a transport failure, jittered so
// concurrent workers do not stampede the next endpoint together
const transportRetryDelay = 500 * time.Millisecond

var errWindowSpent = errors.New("request window spent")

// RpcCall describes one read-only eth_call. Block 0 means latest.
type RpcCall struct {
	To    common.Address
	Data  []byte
	Block uint64
}

// ClientConfig carries the per-attempt knobs for the balanced client.
type ClientConfig struct {
	AttemptTimeout time.Duration
}

func (cc ClientConfig) withDefaults() ClientConfig {
	if cc.AttemptTimeout <= 0 {
		cc.AttemptTimeout = 10 * time.Second
	}
	return cc
}

// BalancedClient fans read-only JSON-RPC calls out over the endpoint
// registry, trying candidates best-first until one answers. Transports
// are dialed lazily and cached per URL for the life of the client.
type BalancedClient struct {
	registry *Registry
	guard    *limiter.Guard
	quota    *monitor.QuotaMonitor
	metrics  *Metrics
	cfg      ClientConfig

	dialer TransportDialer

	mu         sync.Mutex
	transports map[string]Transport
}

// NewBalancedClient wires the balancer. guard, quota and metrics may be
// nil; the client skips the corresponding bookkeeping.
func NewBalancedClient(registry *Registry, guard *limiter.Guard, quota *monitor.QuotaMonitor, metrics *Metrics, cfg ClientConfig) *BalancedClient {
	return &BalancedClient{
		registry:   registry,
		guard:      guard,
		quota:      quota,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
		dialer:     defaultDialer,
		transports: make(map[string]Transport),
	}
}

// Execute performs an eth_call and returns the raw return data.
func (c *BalancedClient) Execute(ctx context.Context, call RpcCall) ([]byte, error) {
	args := map[string]interface{}{
		"to":   call.To,
		"data": hexutil.Bytes(call.Data),
	}
	blockTag := "latest"
	if call.Block > 0 {
		blockTag = hexutil.EncodeUint64(call.Block)
	}

	var result hexutil.Bytes
	err := c.withFailover(ctx, "eth_call", func(ctx context.Context, t Transport) error {
		return t.CallContext(ctx, &result, "eth_call", args, blockTag)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BlockNumber returns the current chain head height.
func (c *BalancedClient) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	err := c.withFailover(ctx, "eth_blockNumber", func(ctx context.Context, t Transport) error {
		return t.CallContext(ctx, &result, "eth_blockNumber")
	})
	if err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// ChainID returns the chain id the endpoints are serving.
func (c *BalancedClient) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	err := c.withFailover(ctx, "eth_chainId", func(ctx context.Context, t Transport) error {
		return t.CallContext(ctx, &result, "eth_chainId")
	})
	if err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// withFailover runs one logical call against the candidate endpoints in
// registry order. Each candidate gets one attempt; transport failures
// move on after a jittered pause, everything else moves on immediately.
// The caller's context cancellation always wins over the sweep.
func (c *BalancedClient) withFailover(parent context.Context, method string, call func(context.Context, Transport) error) error {
	candidates := c.registry.ListAvailable(time.Now())
	if len(candidates) == 0 {
		return &ExhaustedEndpointsError{Method: method}
	}

	// The whole sweep gets one attempt timeout per candidate. A caller
	// deadline shorter than that still applies through parent.
	sweep := time.Duration(len(candidates)) * c.cfg.AttemptTimeout
	ctx, cancel := context.WithTimeout(parent, sweep)
	defer cancel()

	failures := make([]EndpointFailure, 0, len(candidates))
	for i, e := range candidates {
		if parent.Err() != nil {
			return parent.Err()
		}
		if ctx.Err() != nil {
			break
		}

		// Spend from the endpoint's own window before touching the
		// network; a spent window is a rate-limit failure we can see
		// coming without burning the provider's goodwill.
		if e.Budget != nil && !e.Budget.Allow() {
			LogRateLimited(e.url, method)
			c.registry.RecordFailure(e, FailRateLimited, errWindowSpent)
			failures = append(failures, EndpointFailure{URL: e.url, Class: FailRateLimited, Err: errWindowSpent})
			continue
		}

		if c.guard != nil {
			if err := c.guard.Wait(ctx); err != nil {
				if parent.Err() != nil {
					return parent.Err()
				}
				break
			}
		}

		t, err := c.transportFor(ctx, e.url)
		if err != nil {
			class := classifyError(err)
			c.registry.RecordFailure(e, class, err)
			failures = append(failures, EndpointFailure{URL: e.url, Class: class, Err: err})
			continue
		}

		if c.quota != nil {
			c.quota.Inc()
		}

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		start := time.Now()
		err = call(attemptCtx, t)
		elapsed := time.Since(start)
		cancelAttempt()

		if c.metrics != nil {
			c.metrics.RecordRPCRequest(e.metricLabel(), method, elapsed, err == nil)
		}

		if err == nil {
			c.registry.RecordSuccess(e, elapsed)
			return nil
		}

		if parent.Err() != nil {
			return parent.Err()
		}

		class := classifyError(err)
		c.registry.RecordFailure(e, class, err)
		failures = append(failures, EndpointFailure{URL: e.url, Class: class, Err: err})
		LogRPCRetry(method, i+1, err)

		if class == FailTransport && i < len(candidates)-1 {
			select {
			case <-time.After(jitteredDelay(transportRetryDelay)):
			case <-ctx.Done():
			}
		}
	}

	if parent.Err() != nil {
		return parent.Err()
	}
	if c.metrics != nil {
		c.metrics.RecordExhausted(method)
	}
	return &ExhaustedEndpointsError{Method: method, Failures: failures}
}

// transportFor returns the cached transport for url, dialing on first use.
func (c *BalancedClient) transportFor(ctx context.Context, url string) (Transport, error) {
	c.mu.Lock()
	if t, ok := c.transports[url]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	t, err := c.dialer(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.transports[url]; ok {
		// Lost a dial race; keep the first one.
		t.Close()
		return existing, nil
	}
	c.transports[url] = t
	return t, nil
}

// Close tears down every cached transport.
func (c *BalancedClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, t := range c.transports {
		t.Close()
		delete(c.transports, url)
	}
}
