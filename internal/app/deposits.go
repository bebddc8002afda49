package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Clock supplies the wall-clock time used for expiry decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}

// DepositGenerator produces the two secret micro-deposit amounts, in minor
// units of the account currency.
type DepositGenerator interface {
	Generate(ctx context.Context, currency string) (amount1, amount2 int64, err error)
}

// RandomDepositGenerator draws both amounts uniformly from [Min, Max] using
// crypto/rand.
type RandomDepositGenerator struct {
	Min int64
	Max int64
}

// NewRandomDepositGenerator falls back to 1..99 on an invalid range.
func NewRandomDepositGenerator(min, max int64) *RandomDepositGenerator {
	if min <= 0 || max < min {
		min, max = 1, 99
	}
	return &RandomDepositGenerator{Min: min, Max: max}
}

func (g *RandomDepositGenerator) Generate(ctx context.Context, currency string) (int64, int64, error) {
	a, err := g.draw()
	if err != nil {
		return 0, 0, err
	}
	b, err := g.draw()
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (g *RandomDepositGenerator) draw() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(g.Max-g.Min+1))
	if err != nil {
		return 0, fmt.Errorf("failed to draw deposit amount: %w", err)
	}
	return g.Min + n.Int64(), nil
}
