package core

import (
	"math/big"
	"strings"
)

// Rat parses Amount as an exact decimal. Unparseable or empty amounts are
// zero.
func (m Money) Rat() *big.Rat {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(m.Amount))
	if !ok {
		return new(big.Rat)
	}
	return r
}

func (m Money) Float64() float64 {
	f, _ := m.Rat().Float64()
	return f
}

// AddMoney sums two amounts. The currency of the first non-empty operand wins.
func AddMoney(a, b Money) Money {
	currency := a.CurrencyCode
	if currency == "" {
		currency = b.CurrencyCode
	}
	sum := new(big.Rat).Add(a.Rat(), b.Rat())
	return Money{Amount: sum.FloatString(2), CurrencyCode: currency}
}

func MulMoney(m Money, n int) Money {
	product := new(big.Rat).Mul(m.Rat(), big.NewRat(int64(n), 1))
	return Money{Amount: product.FloatString(2), CurrencyCode: m.CurrencyCode}
}
