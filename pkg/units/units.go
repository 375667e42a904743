// Package units converts between human-readable decimal amounts and integer
// base units. All monetary arithmetic in dicebet goes through here.
package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrTooPrecise     = errors.New("amount has more fractional digits than the asset supports")
	ErrNotPositive    = errors.New("amount must be a positive integer")
)

// Asset describes a token by its on-chain address and declared precision.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// NativeAddress is the placeholder address quoting APIs use for the chain's native coin.
var NativeAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	MON  = Asset{Symbol: "MON", Address: NativeAddress, Decimals: 18}
	USDC = Asset{Symbol: "USDC", Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6}
)

// ParseUnits converts a decimal string into base units without loss.
func ParseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := d.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrTooPrecise, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a decimal string with trailing zeros removed.
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ToDecimal is FormatUnits without the string round trip.
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// ParseBaseUnits accepts only a plain positive integer string ("1000", not "+1000" or "1e3").
func ParseBaseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, ErrNotPositive
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrNotPositive, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotPositive, s)
	}
	return v, nil
}

// ConvertTruncated prices amount (in srcDecimals base units) at unitPrice and
// returns the result in dstDecimals base units, truncated toward zero.
func ConvertTruncated(amount *big.Int, srcDecimals int32, unitPrice decimal.Decimal, dstDecimals int32) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(amount, -srcDecimals).
		Mul(unitPrice).
		Shift(dstDecimals).
		Truncate(0).
		BigInt()
}

// FormatDisplay is the short form shown to players: 2 places for 6-decimal
// stable assets, 4 otherwise. Digits beyond that are cut, not rounded.
func FormatDisplay(amount *big.Int, decimals int32) string {
	places := int32(4)
	if decimals == 6 {
		places = 2
	}
	if amount == nil || amount.Sign() == 0 {
		return "0.00"
	}
	return decimal.NewFromBigInt(amount, -decimals).Truncate(places).StringFixed(places)
}
