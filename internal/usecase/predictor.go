package usecase

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
)

// Forecaster turns the state of a series into an optional directional forecast.
type Forecaster interface {
	Name() string
	Forecast(series *Series) (domain.Side, bool)
}

// Prediction is one forecast being followed until it leaves the horizon.
type Prediction struct {
	Side         domain.Side `json:"side"`
	EntryPrice   float64     `json:"entry_price"`
	StartTime    int64       `json:"start_time"`
	Age          int         `json:"age"` // candles since the forecast
	MaxFavorable float64     `json:"max_favorable"`
	MaxAdverse   float64     `json:"max_adverse"`
}

// RunningStats is Welford's online mean and variance.
type RunningStats struct {
	n    int
	mean float64
	m2   float64
}

func (r *RunningStats) Add(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / float64(r.n)
	r.m2 += d * (x - r.mean)
}

func (r *RunningStats) Count() int    { return r.n }
func (r *RunningStats) Mean() float64 { return r.mean }
func (r *RunningStats) Variance() float64 {
	if r.n < 2 {
		return 0
	}
	return r.m2 / float64(r.n-1)
}
func (r *RunningStats) Std() float64 { return math.Sqrt(r.Variance()) }

type stepStats struct {
	favorable    RunningStats
	adverse      RunningStats
	rewardToRisk RunningStats
}

// Predictor follows the forecasts of one Forecaster and accumulates, per step since the
// forecast, how far price went for and against it.
type Predictor struct {
	forecaster Forecaster
	series     *Series
	horizon    int
	logger     *zap.Logger
	metrics    *metrics.Metrics

	open    []*Prediction
	steps   []stepStats // indexed by age, 0..horizon
	current domain.Side
	now     func() time.Time
}

func NewPredictor(f Forecaster, series *Series, horizon int, logger *zap.Logger, m *metrics.Metrics) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	horizon = max(horizon, 1)
	return &Predictor{
		forecaster: f,
		series:     series,
		horizon:    horizon,
		logger:     logger,
		metrics:    m,
		steps:      make([]stepStats, horizon+1),
		now:        time.Now,
	}
}

func (p *Predictor) Name() string { return p.forecaster.Name() }

// Current is the forecast of the last update, empty when there is none.
func (p *Predictor) Current() domain.Side { return p.current }

// Open returns copies of the predictions still inside the horizon.
func (p *Predictor) Open() []Prediction {
	out := make([]Prediction, len(p.open))
	for i, pr := range p.open {
		out[i] = *pr
	}
	return out
}

// OnUpdate is the series change handler.
func (p *Predictor) OnUpdate(newCandle bool) {
	c, ok := p.series.Latest()
	if !ok {
		return
	}

	if newCandle {
		p.completeStep()
	}

	spec := p.series.Spec()
	for _, pr := range p.open {
		p.track(pr, c, spec)
	}

	side, ok := p.forecaster.Forecast(p.series)
	if !ok {
		p.current = ""
		return
	}
	p.current = side
	for _, pr := range p.open {
		if pr.Side == side && pr.StartTime == c.Time {
			return
		}
	}
	p.open = append(p.open, &Prediction{
		Side:       side,
		EntryPrice: p.series.Price(side),
		StartTime:  c.Time,
	})
	p.logger.Debug("New forecast",
		zap.String("symbol", spec.Symbol),
		zap.String("predictor", p.Name()),
		zap.String("side", string(side)))
}

// completeStep records the step every open prediction just finished and ages it.
func (p *Predictor) completeStep() {
	pip := p.series.Spec().PipSize
	kept := p.open[:0]
	for _, pr := range p.open {
		s := &p.steps[pr.Age]
		s.favorable.Add(pr.MaxFavorable)
		s.adverse.Add(pr.MaxAdverse)
		s.rewardToRisk.Add(pr.MaxFavorable / math.Max(pr.MaxAdverse, pip))
		p.metrics.SetPredictorRtR(p.series.Spec().Symbol, p.Name(), pr.Age, s.rewardToRisk.Mean())

		pr.Age++
		if pr.Age <= p.horizon {
			kept = append(kept, pr)
		}
	}
	clear(p.open[len(kept):])
	p.open = kept
}

// track updates the excursion of a prediction. Favourable moves count up to the body of
// the latest candle and adverse moves up to its wick. The candle the forecast was made on
// only counts from the current price.
func (p *Predictor) track(pr *Prediction, c domain.Candle, spec domain.InstrumentSpec) {
	sign := pr.Side.Sign()
	adj := 0.0
	if pr.Side == domain.SideShort {
		adj = spec.Spread
	}
	// a long is valued at the bid it exits on, a short at the ask
	price := c.Close + adj

	fav := sign * (price - pr.EntryPrice)
	adv := -fav
	if pr.StartTime != c.Time {
		fav = math.Max(fav, sign*(c.BodyLimit(sign)+adj-pr.EntryPrice))
		adv = math.Max(adv, -sign*(c.WickLimit(-sign)+adj-pr.EntryPrice))
	}
	pr.MaxFavorable = math.Max(pr.MaxFavorable, fav)
	pr.MaxAdverse = math.Max(pr.MaxAdverse, adv)
}

// Stats returns the accumulated statistics of every step with samples.
func (p *Predictor) Stats() []domain.PredictorStepStats {
	now := p.now()
	var out []domain.PredictorStepStats
	for step := range p.steps {
		s := &p.steps[step]
		if s.favorable.Count() == 0 {
			continue
		}
		out = append(out, domain.PredictorStepStats{
			Symbol:          p.series.Spec().Symbol,
			Predictor:       p.Name(),
			Step:            step,
			Samples:         s.favorable.Count(),
			FavorableMean:   s.favorable.Mean(),
			FavorableStd:    s.favorable.Std(),
			AdverseMean:     s.adverse.Mean(),
			AdverseStd:      s.adverse.Std(),
			RewardToRisk:    s.rewardToRisk.Mean(),
			RewardToRiskStd: s.rewardToRisk.Std(),
			UpdatedAt:       now,
		})
	}
	return out
}
