package domain

import "time"

// PredictorStepStats is the evaluation of a forecaster at one horizon step:
// running mean/stddev of the maximum favourable and adverse excursion and their ratio.
type PredictorStepStats struct {
	Symbol          string    `json:"symbol"`
	Predictor       string    `json:"predictor"`
	Step            int       `json:"step"`
	Samples         int       `json:"samples"`
	FavorableMean   float64   `json:"favorable_mean"`
	FavorableStd    float64   `json:"favorable_std"`
	AdverseMean     float64   `json:"adverse_mean"`
	AdverseStd      float64   `json:"adverse_std"`
	RewardToRisk    float64   `json:"reward_to_risk"`
	RewardToRiskStd float64   `json:"reward_to_risk_std"`
	UpdatedAt       time.Time `json:"updated_at"`
}
