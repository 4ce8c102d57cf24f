package risk

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// ReturnsOracle estimates correlation from recent close-to-close
// returns. It answers for whatever price history it has been fed and
// returns zero when a symbol is unknown.
type ReturnsOracle struct {
	mu      sync.RWMutex
	returns map[string][]float64
}

func NewReturnsOracle() *ReturnsOracle {
	return &ReturnsOracle{returns: make(map[string][]float64)}
}

// SetPrices replaces a symbol's price history
func (o *ReturnsOracle) SetPrices(symbol string, closes []float64) {
	rets := toReturns(closes)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.returns[symbol] = rets
}

// Correlation is the Pearson coefficient over the overlapping tail of
// both return series
func (o *ReturnsOracle) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	o.mu.RLock()
	defer o.mu.RUnlock()

	x, y := o.returns[a], o.returns[b]
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	return stat.Correlation(x[len(x)-n:], y[len(y)-n:], nil)
}

func toReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}
	return returns
}
