package models

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Uint256 封装 uint256.Int 以支持 sql.Scanner 和 driver.Valuer.
// 储备量与总供应量必须以全精度写入 NUMERIC(78,0)，避免精度丢失.
type Uint256 struct {
	*uint256.Int
}

func NewUint256(n uint64) Uint256 {
	return Uint256{uint256.NewInt(n)}
}

func NewUint256FromBigInt(b *big.Int) Uint256 {
	if b == nil {
		return Uint256{uint256.NewInt(0)}
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		// 溢出时钳制为最大值
		return Uint256{uint256.MustFromHex("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")}
	}
	return Uint256{u}
}

func NewUint256FromString(s string) (Uint256, bool) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Uint256{}, false
	}
	return Uint256{u}, true
}

// Value 实现 driver.Valuer (写入数据库).
func (u Uint256) Value() (driver.Value, error) {
	if u.Int == nil {
		return "0", nil
	}
	return u.Int.Dec(), nil
}

// Scan 实现 sql.Scanner (读取数据库).
func (u *Uint256) Scan(value interface{}) error {
	if value == nil {
		u.Int = uint256.NewInt(0)
		return nil
	}

	var s string
	switch v := value.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("unsupported type for Uint256: %T", v)
	}

	// 处理科学计数法（PostgreSQL NUMERIC 可能返回）
	if strings.ContainsAny(s, "eE") {
		f, _, err := big.ParseFloat(s, 10, 0, big.ToNearestEven)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", s, err)
		}
		bi, acc := f.Int(nil)
		if acc != big.Exact {
			return fmt.Errorf("numeric %q is not an integer", s)
		}
		var overflow bool
		u.Int, overflow = uint256.FromBig(bi)
		if overflow {
			return fmt.Errorf("value %s overflows uint256", s)
		}
		return nil
	}

	var err error
	u.Int, err = uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("failed to convert %s to Uint256: %w", s, err)
	}
	return nil
}

// String 返回十进制字符串表示.
func (u Uint256) String() string {
	if u.Int == nil {
		return "0"
	}
	return u.Int.Dec()
}

// BigInt 封装 math/big.Int 以支持 sql.Scanner 和 driver.Valuer.
// 用于有理数分子/分母与区块号的 NUMERIC 转换.
type BigInt struct {
	*big.Int
}

func NewBigInt(n int64) BigInt {
	return BigInt{big.NewInt(n)}
}

func NewBigIntFromString(s string) (BigInt, bool) {
	i, ok := new(big.Int).SetString(s, 10)
	return BigInt{i}, ok
}

// Value 实现 driver.Valuer (写入数据库).
func (b BigInt) Value() (driver.Value, error) {
	if b.Int == nil {
		return "0", nil
	}
	return b.Int.String(), nil
}

// Scan 实现 sql.Scanner (读取数据库).
func (b *BigInt) Scan(value interface{}) error {
	if value == nil {
		b.Int = new(big.Int)
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return b.scanString(string(v))
	case string:
		return b.scanString(v)
	case int64:
		b.Int = big.NewInt(v)
	case int:
		b.Int = big.NewInt(int64(v))
	default:
		return fmt.Errorf("unsupported type for BigInt: %T", v)
	}
	return nil
}

func (b *BigInt) scanString(s string) error {
	// 支持 hex 字符串 (0x...)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		i, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return fmt.Errorf("failed to convert hex %s to BigInt", s)
		}
		b.Int = i
		return nil
	}
	// 处理科学计数法（PostgreSQL NUMERIC 可能返回）
	if strings.ContainsAny(s, "eE") {
		f, _, err := big.ParseFloat(s, 10, 0, big.ToNearestEven)
		if err != nil {
			return fmt.Errorf("failed to parse numeric %q: %w", s, err)
		}
		bi, acc := f.Int(nil)
		if acc != big.Exact {
			return fmt.Errorf("numeric %q is not an integer", s)
		}
		b.Int = bi
		return nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("failed to convert %s to BigInt", s)
	}
	b.Int = i
	return nil
}

// 对应数据库的结构体

// PriceRow 一次报价的持久化行。比率以精确分子/分母存储，
// 法币价格仅存格式化后的边界字符串.
type PriceRow struct {
	TokenAddress    string         `db:"token_address"`
	BaseAddress     string         `db:"base_address"`
	PoolAddress     string         `db:"pool_address"`
	BlockNumber     BigInt         `db:"block_number"`
	TokenPerBaseNum BigInt         `db:"token_per_base_num"`
	TokenPerBaseDen BigInt         `db:"token_per_base_den"`
	FiatPerToken    sql.NullString `db:"fiat_per_token"`
	ObservedAt      time.Time      `db:"observed_at"`
}

// ReserveRow 一个池在某个区块的原始储备快照.
// V2 池存 reserve0/reserve1（uint112，必然在 uint256 内）；
// V3 池存 sqrt_price_x96 原始观测值，reserve 两列为 0.
type ReserveRow struct {
	PoolAddress  string    `db:"pool_address"`
	TokenAddress string    `db:"token_address"`
	PoolKind     string    `db:"pool_kind"`
	Reserve0     Uint256   `db:"reserve0"`
	Reserve1     Uint256   `db:"reserve1"`
	SqrtPriceX96 Uint256   `db:"sqrt_price_x96"`
	BlockNumber  BigInt    `db:"block_number"`
	ObservedAt   time.Time `db:"observed_at"`
}
