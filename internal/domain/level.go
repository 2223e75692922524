package domain

// Level is a clustered support/resistance price.
// Strength is the cluster size normalised by the largest cluster, so it lies in [0,1].
type Level struct {
	Price    float64 `json:"price"`
	Strength float64 `json:"strength"`
	Touches  int     `json:"touches"`
}

// StationaryPoint is a local extremum of the reconstructed intrabar path.
// Index is a fractional candle position relative to the newest candle.
type StationaryPoint struct {
	Index float64
	Price float64
}
