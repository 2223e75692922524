package usecase

import (
	"math"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_snr/internal/domain"
	"github.com/vitos/crypto_trade_snr/internal/infrastructure/metrics"
)

type SnRConfig struct {
	Lookback              int     // candles scanned for extrema
	BucketPips            float64 // minimum bucket size, in pips
	VolatilityFactor      float64 // bucket size as a fraction of the median candle size
	ReversalTolerancePips float64 // path moves up to this size are noise
	MaxIterations         int
	SoftFallback          float64 // fraction of the reference size a level may sit on the wrong side of price
}

// SnRResult is one clustering run. Levels are sorted by descending strength.
type SnRResult struct {
	Levels        []domain.Level `json:"levels"`
	BucketSize    float64        `json:"bucket_size"`
	ReferenceSize float64        `json:"reference_size"`
	Points        int            `json:"points"`
	Iterations    int            `json:"iterations"`
	Converged     bool           `json:"converged"`
}

// Nearest returns the level closest to price on the sign side of it. softFallback relaxes
// the side test by that fraction of the reference candle size.
func (r SnRResult) Nearest(price, sign, softFallback float64) (domain.Level, bool) {
	slack := softFallback * r.ReferenceSize
	return r.nearest(price, func(l domain.Level) bool {
		d := sign * (l.Price - price)
		if slack > 0 {
			return d > -slack
		}
		return d > 0
	})
}

// NearestWithin returns the level closest to price, strictly on the sign side of it and inside [lo, hi].
func (r SnRResult) NearestWithin(price, sign, lo, hi float64) (domain.Level, bool) {
	if lo > hi {
		lo, hi = hi, lo
	}
	return r.nearest(price, func(l domain.Level) bool {
		return sign*(l.Price-price) > 0 && l.Price >= lo && l.Price <= hi
	})
}

func (r SnRResult) nearest(price float64, accept func(domain.Level) bool) (domain.Level, bool) {
	var (
		best  domain.Level
		found bool
	)
	for _, l := range r.Levels {
		if !accept(l) {
			continue
		}
		if !found || math.Abs(l.Price-price) < math.Abs(best.Price-price) {
			best, found = l, true
		}
	}
	return best, found
}

// LevelDetector finds support/resistance levels in a series.
type LevelDetector struct {
	cfg     SnRConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	latest  SnRResult
}

func NewLevelDetector(cfg SnRConfig, logger *zap.Logger, m *metrics.Metrics) *LevelDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.BucketPips <= 0 {
		cfg.BucketPips = 1
	}
	return &LevelDetector{cfg: cfg, logger: logger, metrics: m}
}

// Latest returns the result of the last Refresh.
func (d *LevelDetector) Latest() SnRResult { return d.latest }

// NearestLevel returns the latest level closest to price on the sign side of it, relaxed by
// the configured soft fallback.
func (d *LevelDetector) NearestLevel(price, sign float64) (domain.Level, bool) {
	return d.latest.Nearest(price, sign, d.cfg.SoftFallback)
}

// Refresh recomputes the levels over the configured lookback ending at the newest candle.
func (d *LevelDetector) Refresh(series *Series) SnRResult {
	lookback := d.cfg.Lookback
	if lookback <= 0 {
		lookback = series.Count()
	}
	d.latest = d.Detect(series, 1-lookback, 1)
	d.metrics.SetLevels(series.Spec().Symbol, len(d.latest.Levels))
	d.logger.Debug("Levels refreshed",
		zap.String("symbol", series.Spec().Symbol),
		zap.Int("levels", len(d.latest.Levels)),
		zap.Int("points", d.latest.Points),
		zap.Int("iterations", d.latest.Iterations),
		zap.Bool("converged", d.latest.Converged))
	return d.latest
}

// Detect clusters the stationary points of the reconstructed path over [i0, i1).
func (d *LevelDetector) Detect(series *Series, i0, i1 int) SnRResult {
	pip := series.Spec().PipSize
	ref := series.MedianCandleSize(i0, i1)
	bucketSize := math.Max(d.cfg.BucketPips*pip, d.cfg.VolatilityFactor*ref)

	points := StationaryPoints(series.HighResolutionPath(i0, i1), d.cfg.ReversalTolerancePips*pip)
	levels, iterations, converged := Cluster(points, bucketSize, pip, d.cfg.MaxIterations)

	return SnRResult{
		Levels:        levels,
		BucketSize:    bucketSize,
		ReferenceSize: ref,
		Points:        len(points),
		Iterations:    iterations,
		Converged:     converged,
	}
}

type bucket struct {
	price float64
	sum   float64
	count int
}

// Cluster groups points into price buckets. Assign/recompute passes run until no bucket is
// created and no bucket mean moves by more than pip. Buckets closer than bucketSize are then
// merged and every point is reassigned to its nearest bucket, until neither changes anything.
// The returned levels are sorted by descending strength and their touches add up to len(points).
// The bool is false when maxIterations passes were not enough.
func Cluster(points []domain.StationaryPoint, bucketSize, pip float64, maxIterations int) ([]domain.Level, int, bool) {
	switch len(points) {
	case 0:
		return nil, 0, true
	case 1:
		return []domain.Level{{Price: points[0].Price, Strength: 1, Touches: 1}}, 0, true
	}

	var buckets []bucket
	it := 0
	for settled := false; !settled; {
		if it == maxIterations {
			return toLevels(buckets), it, false
		}
		it++
		var created, moved bool
		buckets, created = assign(points, buckets, bucketSize)
		buckets, moved = recompute(buckets, pip)
		settled = !created && !moved
	}

	for {
		if it == maxIterations {
			return toLevels(buckets), it, false
		}
		it++
		var merged bool
		buckets, merged = mergeClose(buckets, bucketSize)
		prev := counts(buckets)
		buckets, _ = assign(points, buckets, math.Inf(1))
		buckets, _ = recompute(buckets, pip)
		if !merged && slices.Equal(prev, counts(buckets)) {
			return toLevels(buckets), it, true
		}
	}
}

// assign is the first phase of a pass: every point joins its nearest bucket, or opens a new
// one when that bucket is more than maxDistance away.
func assign(points []domain.StationaryPoint, centers []bucket, maxDistance float64) ([]bucket, bool) {
	buckets := make([]bucket, len(centers))
	for i, c := range centers {
		buckets[i] = bucket{price: c.price}
	}

	created := false
	for _, p := range points {
		i := sort.Search(len(buckets), func(k int) bool { return buckets[k].price >= p.Price })

		best, dist := -1, math.Inf(1)
		if i < len(buckets) {
			best, dist = i, buckets[i].price-p.Price
		}
		if i > 0 && p.Price-buckets[i-1].price <= dist {
			best, dist = i-1, p.Price-buckets[i-1].price
		}
		if best < 0 || dist > maxDistance {
			buckets = slices.Insert(buckets, i, bucket{price: p.Price})
			best = i
			created = true
		}
		buckets[best].sum += p.Price
		buckets[best].count++
	}
	return buckets, created
}

// recompute is the second phase: buckets move to the mean of their points and empty ones
// are dropped.
func recompute(buckets []bucket, pip float64) ([]bucket, bool) {
	moved := false
	next := make([]bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.count == 0 {
			continue
		}
		mean := b.sum / float64(b.count)
		if math.Abs(mean-b.price) > pip {
			moved = true
		}
		next = append(next, bucket{price: mean, sum: b.sum, count: b.count})
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].price < next[j].price })
	return next, moved
}

// mergeClose folds each bucket into its lower neighbour while they are closer than bucketSize.
func mergeClose(buckets []bucket, bucketSize float64) ([]bucket, bool) {
	merged := false
	out := make([]bucket, 0, len(buckets))
	for _, b := range buckets {
		if n := len(out); n > 0 && b.price-out[n-1].price < bucketSize {
			last := &out[n-1]
			last.sum += b.sum
			last.count += b.count
			last.price = last.sum / float64(last.count)
			merged = true
			continue
		}
		out = append(out, b)
	}
	return out, merged
}

func counts(buckets []bucket) []int {
	out := make([]int, len(buckets))
	for i, b := range buckets {
		out[i] = b.count
	}
	return out
}

func toLevels(buckets []bucket) []domain.Level {
	maxCount := 0
	for _, b := range buckets {
		maxCount = max(maxCount, b.count)
	}
	if maxCount == 0 {
		return nil
	}
	levels := make([]domain.Level, len(buckets))
	for i, b := range buckets {
		levels[i] = domain.Level{
			Price:    b.price,
			Strength: float64(b.count) / float64(maxCount),
			Touches:  b.count,
		}
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Strength > levels[j].Strength })
	return levels
}
