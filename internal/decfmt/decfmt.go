// Package decfmt provides fixed-point decimal helpers for the pipeline.
//
// Every price and quantity in the system is a shopspring decimal parsed
// from text — floating point is never a source. This package adds the two
// things the library does not do for us: exact textual parsing with a
// typed error, and the decimal128(38,18) byte codec used by the parquet
// columns (FIXED_LEN_BYTE_ARRAY(16), big-endian two's complement).
package decfmt

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"marketreplay/pkg/types"
)

const (
	// Scale is the fixed number of fractional digits carried by every
	// persisted value.
	Scale = 18

	// Precision is the maximum total digits of a persisted value.
	Precision = 38
)

// maxCoefficient is 10^38, the first scaled integer that no longer fits
// decimal(38,18).
var maxCoefficient = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)

// two128 is 2^128, used for the two's-complement wrap of negative values.
var two128 = new(big.Int).Lsh(big.NewInt(1), 128)

// Parse converts the textual representation of a number into a Decimal.
// The conversion is exact; any input that does not parse returns a
// malformed-input error.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &types.MalformedInputError{Field: "decimal", Reason: fmt.Sprintf("unparseable %q", s)}
	}
	return d, nil
}

// MustParse is Parse for trusted literals; it panics on bad input.
// Intended for tests and constants.
func MustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// scaled returns d as an integer scaled to 18 fractional digits, or an
// overflow error when d carries more than 18 fractional digits (scale
// loss) or more than 38 total digits.
func scaled(d decimal.Decimal) (*big.Int, error) {
	exp := int64(d.Exponent())
	coeff := new(big.Int).Set(d.Coefficient())

	shift := exp + Scale
	if shift < 0 {
		// More than 18 fractional digits cannot be represented without
		// loss. Trailing zeros are fine; anything else is fatal.
		drop := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
		q, r := new(big.Int).QuoRem(coeff, drop, new(big.Int))
		if r.Sign() != 0 {
			return nil, fmt.Errorf("%w: %s has more than %d fractional digits", types.ErrDecimalOverflow, d.String(), Scale)
		}
		coeff = q
	} else if shift > 0 {
		coeff.Mul(coeff, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	}

	if new(big.Int).Abs(coeff).Cmp(maxCoefficient) >= 0 {
		return nil, fmt.Errorf("%w: %s exceeds %d digits", types.ErrDecimalOverflow, d.String(), Precision)
	}
	return coeff, nil
}

// EncodeDecimal128 converts d into the 16-byte big-endian two's-complement
// representation of its scale-18 integer, suitable for a
// decimal(38,18) FIXED_LEN_BYTE_ARRAY(16) parquet column.
func EncodeDecimal128(d decimal.Decimal) ([16]byte, error) {
	var out [16]byte

	v, err := scaled(d)
	if err != nil {
		return out, err
	}
	if v.Sign() < 0 {
		v = new(big.Int).Add(two128, v)
	}
	v.FillBytes(out[:])
	return out, nil
}

// DecodeDecimal128 is the inverse of EncodeDecimal128.
func DecodeDecimal128(b [16]byte) decimal.Decimal {
	v := new(big.Int).SetBytes(b[:])
	if b[0]&0x80 != 0 {
		v.Sub(v, two128)
	}
	return decimal.NewFromBigInt(v, -Scale)
}

// CheckRange verifies that d fits decimal(38,18) without encoding it.
// Used on the hot path to fail fast on overflow.
func CheckRange(d decimal.Decimal) error {
	_, err := scaled(d)
	return err
}
