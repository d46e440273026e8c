package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CallExecutor is what the reader needs from the RPC layer: one
// read-only contract call, already load balanced underneath.
type CallExecutor interface {
	Execute(ctx context.Context, call RpcCall) ([]byte, error)
}

var _ CallExecutor = (*BalancedClient)(nil)

// PoolKind tags which AMM family a pool belongs to.
type PoolKind string

const (
	PoolV2 PoolKind = "v2"
	PoolV3 PoolKind = "v3"
)

// Erc20Metadata 代币元数据结构
type Erc20Metadata struct {
	Address     common.Address
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
}

// PoolReserves is one pool observation, normalized across AMM families.
// For V3 pools the reserves are synthetic: Reserve0 is 2^192 and
// Reserve1 is sqrtPriceX96 squared, which preserves the ratio
// Reserve1/Reserve0 as the raw token0->token1 price. SqrtPriceX96 keeps
// the raw observation for persistence; it is nil for V2 pairs.
type PoolReserves struct {
	Pool            common.Address
	Kind            PoolKind
	Reserve0        *big.Int
	Reserve1        *big.Int
	SqrtPriceX96    *big.Int
	WantIsToken0    bool
	ObservedAtBlock uint64
}

// WantReserve returns the reserve on the tracked token's side.
func (p PoolReserves) WantReserve() *big.Int {
	if p.WantIsToken0 {
		return p.Reserve0
	}
	return p.Reserve1
}

// CounterReserve returns the reserve on the opposite side.
func (p PoolReserves) CounterReserve() *big.Int {
	if p.WantIsToken0 {
		return p.Reserve1
	}
	return p.Reserve0
}

// Slot0 mirrors the V3 pool slot0 return tuple.
type Slot0 struct {
	SqrtPriceX96               *big.Int
	Tick                       *big.Int
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

// ContractReader decodes ERC-20 and AMM pool state via eth_call.
type ContractReader struct {
	exec CallExecutor

	erc20ABI    abi.ABI
	erc20B32ABI abi.ABI
	pairABI     abi.ABI
	v3ABI       abi.ABI
}

// NewContractReader parses the embedded ABIs once and binds the executor.
func NewContractReader(exec CallExecutor) *ContractReader {
	parsedERC20, _ := abi.JSON(strings.NewReader(erc20ABIJSON))
	parsedB32, _ := abi.JSON(strings.NewReader(erc20Bytes32ABIJSON))
	parsedPair, _ := abi.JSON(strings.NewReader(pairABIJSON))
	parsedV3, _ := abi.JSON(strings.NewReader(v3PoolABIJSON))

	return &ContractReader{
		exec:        exec,
		erc20ABI:    parsedERC20,
		erc20B32ABI: parsedB32,
		pairABI:     parsedPair,
		v3ABI:       parsedV3,
	}
}

func (r *ContractReader) call(ctx context.Context, to common.Address, data []byte, block uint64) ([]byte, error) {
	return r.exec.Execute(ctx, RpcCall{To: to, Data: data, Block: block})
}

// ReadErc20Metadata reads name, symbol, decimals and totalSupply at the
// given block. Decimals and totalSupply are hard requirements; name and
// symbol fall back to placeholders on non-standard tokens.
func (r *ContractReader) ReadErc20Metadata(ctx context.Context, token common.Address, block uint64) (*Erc20Metadata, error) {
	meta := &Erc20Metadata{Address: token}

	decData, _ := r.erc20ABI.Pack("decimals")
	ret, err := r.call(ctx, token, decData, block)
	if err != nil {
		return nil, fmt.Errorf("decimals(%s): %w", token.Hex(), err)
	}
	out, err := r.erc20ABI.Unpack("decimals", ret)
	if err != nil {
		return nil, &DecodeError{What: "decimals", Err: err}
	}
	meta.Decimals = out[0].(uint8)

	supData, _ := r.erc20ABI.Pack("totalSupply")
	ret, err = r.call(ctx, token, supData, block)
	if err != nil {
		return nil, fmt.Errorf("totalSupply(%s): %w", token.Hex(), err)
	}
	out, err = r.erc20ABI.Unpack("totalSupply", ret)
	if err != nil {
		return nil, &DecodeError{What: "totalSupply", Err: err}
	}
	meta.TotalSupply = out[0].(*big.Int)

	// 软失败：老合约的 name/symbol 可能是 bytes32 或干脆不存在
	meta.Name = r.readTokenString(ctx, token, "name", block)
	meta.Symbol = r.readTokenString(ctx, token, "symbol", block)

	return meta, nil
}

// readTokenString reads a string-returning method, falling back to the
// bytes32 variant and finally to UNKNOWN.
func (r *ContractReader) readTokenString(ctx context.Context, token common.Address, method string, block uint64) string {
	data, _ := r.erc20ABI.Pack(method)
	ret, err := r.call(ctx, token, data, block)
	if err != nil || len(ret) == 0 {
		return "UNKNOWN"
	}

	if out, err := r.erc20ABI.Unpack(method, ret); err == nil {
		if s, ok := out[0].(string); ok {
			s = strings.TrimSpace(strings.ToValidUTF8(s, ""))
			if s != "" {
				return s
			}
		}
	}

	// bytes32 fallback (MKR, old DAI and friends)
	if out, err := r.erc20B32ABI.Unpack(method, ret); err == nil {
		if b, ok := out[0].([32]byte); ok {
			if s := decodeBytes32String(b); s != "" {
				return s
			}
		}
	}
	return "UNKNOWN"
}

// ReadErc20Balance reads balanceOf(owner) at the given block.
func (r *ContractReader) ReadErc20Balance(ctx context.Context, token, owner common.Address, block uint64) (*big.Int, error) {
	data, err := r.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, &DecodeError{What: "balanceOf args", Err: err}
	}
	ret, err := r.call(ctx, token, data, block)
	if err != nil {
		return nil, err
	}
	out, err := r.erc20ABI.Unpack("balanceOf", ret)
	if err != nil {
		return nil, &DecodeError{What: "balanceOf", Err: err}
	}
	return out[0].(*big.Int), nil
}

// ReadV2Reserves reads a V2 pair's reserves and orients them around the
// tracked token. The pair must actually contain that token.
func (r *ContractReader) ReadV2Reserves(ctx context.Context, pair, want common.Address, block uint64) (*PoolReserves, error) {
	wantIsToken0, err := r.orientPool(ctx, r.pairABI, pair, want, block)
	if err != nil {
		return nil, err
	}

	data, _ := r.pairABI.Pack("getReserves")
	ret, err := r.call(ctx, pair, data, block)
	if err != nil {
		return nil, fmt.Errorf("getReserves(%s): %w", pair.Hex(), err)
	}
	if len(ret) == 0 {
		return nil, &DecodeError{What: "getReserves", Err: errors.New("empty return data")}
	}

	var reserves struct {
		Reserve0           *big.Int
		Reserve1           *big.Int
		BlockTimestampLast uint32
	}
	if err := r.pairABI.UnpackIntoInterface(&reserves, "getReserves", ret); err != nil {
		return nil, &DecodeError{What: "getReserves", Err: err}
	}

	return &PoolReserves{
		Pool:            pair,
		Kind:            PoolV2,
		Reserve0:        reserves.Reserve0,
		Reserve1:        reserves.Reserve1,
		WantIsToken0:    wantIsToken0,
		ObservedAtBlock: block,
	}, nil
}

// ReadV3Pool reads a V3 pool's slot0 and synthesizes reserves that keep
// the same ratio semantics as a V2 pair: Reserve1/Reserve0 equals the
// raw token0->token1 price. An uninitialized pool (sqrtPriceX96 == 0)
// comes out with a zero reserve and is filtered like an empty V2 pair.
func (r *ContractReader) ReadV3Pool(ctx context.Context, pool, want common.Address, block uint64) (*PoolReserves, error) {
	wantIsToken0, err := r.orientPool(ctx, r.v3ABI, pool, want, block)
	if err != nil {
		return nil, err
	}

	data, _ := r.v3ABI.Pack("slot0")
	ret, err := r.call(ctx, pool, data, block)
	if err != nil {
		return nil, fmt.Errorf("slot0(%s): %w", pool.Hex(), err)
	}
	if len(ret) == 0 {
		return nil, &DecodeError{What: "slot0", Err: errors.New("empty return data")}
	}

	var slot0 Slot0
	if err := r.v3ABI.UnpackIntoInterface(&slot0, "slot0", ret); err != nil {
		return nil, &DecodeError{What: "slot0", Err: err}
	}

	// price(token1/token0) = (sqrtPriceX96 / 2^96)^2 = sqrt^2 / 2^192
	reserve0 := new(big.Int).Lsh(big.NewInt(1), 192)
	reserve1 := new(big.Int).Mul(slot0.SqrtPriceX96, slot0.SqrtPriceX96)

	return &PoolReserves{
		Pool:            pool,
		Kind:            PoolV3,
		Reserve0:        reserve0,
		Reserve1:        reserve1,
		SqrtPriceX96:    slot0.SqrtPriceX96,
		WantIsToken0:    wantIsToken0,
		ObservedAtBlock: block,
	}, nil
}

// orientPool figures out which side of the pool the tracked token sits on.
func (r *ContractReader) orientPool(ctx context.Context, poolABI abi.ABI, pool, want common.Address, block uint64) (bool, error) {
	token0, err := r.readPoolToken(ctx, poolABI, pool, "token0", block)
	if err != nil {
		return false, err
	}
	if token0 == want {
		return true, nil
	}

	token1, err := r.readPoolToken(ctx, poolABI, pool, "token1", block)
	if err != nil {
		return false, err
	}
	if token1 == want {
		return false, nil
	}
	return false, fmt.Errorf("pool %s does not contain token %s (token0=%s token1=%s)",
		pool.Hex(), want.Hex(), token0.Hex(), token1.Hex())
}

func (r *ContractReader) readPoolToken(ctx context.Context, poolABI abi.ABI, pool common.Address, method string, block uint64) (common.Address, error) {
	data, _ := poolABI.Pack(method)
	ret, err := r.call(ctx, pool, data, block)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s(%s): %w", method, pool.Hex(), err)
	}
	out, err := poolABI.Unpack(method, ret)
	if err != nil {
		return common.Address{}, &DecodeError{What: method, Err: err}
	}
	return out[0].(common.Address), nil
}
