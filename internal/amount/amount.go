// Package amount implements the unsigned 128-bit quantity used for balances,
// deposits and flow rates. Every arithmetic operation saturates instead of
// wrapping: results are clamped to [0, 2^128-1].
package amount

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/holiman/uint256"
)

// Size is the length of the fixed-width binary encoding.
const Size = 16

var maxValue = func() uint256.Int {
	var one, v uint256.Int
	one.SetUint64(1)
	v.Lsh(&one, 128)
	v.Sub(&v, &one)
	return v
}()

// Amount is an unsigned integer with a ceiling of 2^128-1.
// The zero value is 0 and ready to use.
type Amount struct {
	v uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// Max returns 2^128-1.
func Max() Amount { return Amount{v: maxValue} }

// New returns an amount holding n.
func New(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// Parse reads a base-10 integer. Values above the ceiling are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if v.Gt(&maxValue) {
		return Amount{}, fmt.Errorf("amount %q exceeds 128 bits", s)
	}
	return Amount{v: *v}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func clamp(v *uint256.Int) Amount {
	if v.Gt(&maxValue) {
		return Amount{v: maxValue}
	}
	return Amount{v: *v}
}

// Add returns a+b, saturating at Max.
func (a Amount) Add(b Amount) Amount {
	var r uint256.Int
	r.Add(&a.v, &b.v)
	return clamp(&r)
}

// Sub returns a-b, or zero when b > a.
func (a Amount) Sub(b Amount) Amount {
	if a.v.Lt(&b.v) {
		return Amount{}
	}
	var r uint256.Int
	r.Sub(&a.v, &b.v)
	return Amount{v: r}
}

// Mul returns a*b, saturating at Max. Both operands fit in 128 bits so the
// 256-bit product is exact before clamping.
func (a Amount) Mul(b Amount) Amount {
	var r uint256.Int
	r.Mul(&a.v, &b.v)
	return clamp(&r)
}

// MulUint64 returns a*n, saturating at Max.
func (a Amount) MulUint64(n uint64) Amount {
	return a.Mul(New(n))
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.v.Lt(&b.v) {
		return a
	}
	return b
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.v.Lt(&b.v) }

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.v.Gt(&b.v) }

// Equal reports whether a == b.
func (a Amount) Equal(b Amount) bool { return a.v.Eq(&b.v) }

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Big returns a copy of the value as a big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Float64 approximates the value; used for metrics only.
func (a Amount) Float64() float64 {
	f, _ := new(big.Float).SetInt(a.v.ToBig()).Float64()
	return f
}

// String renders the value in base 10.
func (a Amount) String() string { return a.v.ToBig().String() }

// Format renders the value as a decimal number with the given number of
// fractional digits, e.g. Format(1500, 3) == "1.500".
func (a Amount) Format(decimals uint8) string {
	coeff := new(apd.BigInt).SetMathBigInt(a.v.ToBig())
	d := apd.NewWithBigInt(coeff, -int32(decimals))
	return d.Text('f')
}

// Bytes returns the 16-byte big-endian encoding.
func (a Amount) Bytes() [Size]byte {
	var out [Size]byte
	// v[1] holds bits 64..127, v[0] bits 0..63.
	binary.BigEndian.PutUint64(out[0:8], a.v[1])
	binary.BigEndian.PutUint64(out[8:16], a.v[0])
	return out
}

// FromBytes decodes the encoding produced by Bytes.
func FromBytes(b []byte) (Amount, error) {
	if len(b) != Size {
		return Amount{}, fmt.Errorf("amount: expected %d bytes, got %d", Size, len(b))
	}
	var a Amount
	a.v[1] = binary.BigEndian.Uint64(b[0:8])
	a.v[0] = binary.BigEndian.Uint64(b[8:16])
	return a, nil
}

// MarshalJSON encodes the amount as a decimal string so clients never lose
// precision above 2^53.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts a decimal string or a bare integer literal.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*a = Amount{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Value implements driver.Valuer. Amounts are stored as NUMERIC text.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case int64:
		if v < 0 {
			return fmt.Errorf("amount: negative value %d", v)
		}
		*a = New(uint64(v))
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("amount: cannot scan %T", src)
	}
}

func (a *Amount) scanString(s string) error {
	// NUMERIC columns may come back as "123" or "123.0".
	if i := strings.IndexByte(s, '.'); i >= 0 {
		if strings.Trim(s[i+1:], "0") != "" {
			return fmt.Errorf("amount: fractional value %q", s)
		}
		s = s[:i]
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
