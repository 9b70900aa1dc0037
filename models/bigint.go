package models

import (
	"database/sql/driver"
	"fmt"
	"math/big"
)

// BigInt is an arbitrary-precision unsigned integer persisted as a decimal
// text column. The zero value is usable and stores as "0".
type BigInt struct {
	v big.Int
}

// NewBigInt wraps an int64 for convenience in tests and constructors.
func NewBigInt(x int64) BigInt {
	var b BigInt
	b.v.SetInt64(x)
	return b
}

// BigIntFromString parses a decimal string.
func BigIntFromString(s string) (BigInt, error) {
	var b BigInt
	if s == "" {
		return b, nil
	}
	if _, ok := b.v.SetString(s, 10); !ok {
		return BigInt{}, fmt.Errorf("invalid big integer %q", s)
	}
	return b, nil
}

// BigIntFrom copies a *big.Int; nil yields zero.
func BigIntFrom(x *big.Int) BigInt {
	var b BigInt
	if x != nil {
		b.v.Set(x)
	}
	return b
}

// Int returns a copy of the underlying value.
func (b BigInt) Int() *big.Int {
	return new(big.Int).Set(&b.v)
}

// Add returns b + x without mutating either operand.
func (b BigInt) Add(x BigInt) BigInt {
	var out BigInt
	out.v.Add(&b.v, &x.v)
	return out
}

// Cmp compares like big.Int.Cmp.
func (b BigInt) Cmp(x BigInt) int {
	return b.v.Cmp(&x.v)
}

func (b BigInt) String() string {
	return b.v.String()
}

// Value implements driver.Valuer.
func (b BigInt) Value() (driver.Value, error) {
	return b.v.String(), nil
}

// Scan implements sql.Scanner.
func (b *BigInt) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		b.v.SetInt64(0)
		return nil
	case int64:
		b.v.SetInt64(v)
		return nil
	case []byte:
		return b.setString(string(v))
	case string:
		return b.setString(v)
	default:
		return fmt.Errorf("cannot scan %T into BigInt", value)
	}
}

func (b *BigInt) setString(s string) error {
	if s == "" {
		b.v.SetInt64(0)
		return nil
	}
	if _, ok := b.v.SetString(s, 10); !ok {
		return fmt.Errorf("invalid big integer %q", s)
	}
	return nil
}

// GormDataType keeps migrations on a text column across drivers.
func (BigInt) GormDataType() string {
	return "text"
}

// MarshalJSON renders the value as a decimal string.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.v.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted decimal strings and bare numbers.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return b.setString(s)
}
