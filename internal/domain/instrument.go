package domain

// InstrumentSpec holds the static parameters of a tradable instrument.
type InstrumentSpec struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	PipSize    float64 `json:"pip_size" yaml:"pip_size"`       // minimum price increment
	PipValue   float64 `json:"pip_value" yaml:"pip_value"`     // account currency per pip per unit volume
	MinVolume  float64 `json:"min_volume" yaml:"min_volume"`   // smallest tradable size
	VolumeStep float64 `json:"volume_step" yaml:"volume_step"` // allowed size increment
	Spread     float64 `json:"spread" yaml:"spread"`           // ask - bid, in price units
}

// Pips converts a price distance into pips.
func (s InstrumentSpec) Pips(distance float64) float64 {
	if s.PipSize <= 0 {
		return 0
	}
	return distance / s.PipSize
}

// Merge returns s with every zero field filled from fallback.
func (s InstrumentSpec) Merge(fallback InstrumentSpec) InstrumentSpec {
	if s.Symbol == "" {
		s.Symbol = fallback.Symbol
	}
	if s.PipSize == 0 {
		s.PipSize = fallback.PipSize
	}
	if s.PipValue == 0 {
		s.PipValue = fallback.PipValue
	}
	if s.MinVolume == 0 {
		s.MinVolume = fallback.MinVolume
	}
	if s.VolumeStep == 0 {
		s.VolumeStep = fallback.VolumeStep
	}
	if s.Spread == 0 {
		s.Spread = fallback.Spread
	}
	return s
}
