package usecase

// EMA is an exponential moving average seeded with the simple mean of the first period values.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

func NewEMA(period int) *EMA {
	period = max(period, 1)
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

// Update adds a value and returns the new average. Until the EMA is ready the
// running mean is returned.
func (e *EMA) Update(v float64) float64 {
	e.count++
	if e.count <= e.period {
		e.sum += v
		e.current = e.sum / float64(e.count)
		return e.current
	}
	e.current = v*e.multiplier + e.current*(1-e.multiplier)
	return e.current
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }
