package models

import (
	"time"
)

// ThresholdWeights are the tunable per-dimension multipliers of the composite score.
// Negative weights are accepted but are a caller error.
type ThresholdWeights struct {
	PriceWeight  float64 `json:"price_weight"`
	VolumeWeight float64 `json:"volume_weight"`
	OIWeight     float64 `json:"oi_weight"`
}

// CohortStatistics summarises one expiry cohort. Each dimension only counts
// strictly positive members; a dimension with zero members has mean and
// standard deviation of 0.
type CohortStatistics struct {
	MeanPrice          float64
	StdDevPrice        float64
	MeanVolume         float64
	StdDevVolume       float64
	MeanOpenInterest   float64
	StdDevOpenInterest float64

	MemberCount         int
	PriceMembers        int
	VolumeMembers       int
	OpenInterestMembers int
}

type AnomalyKind string

const (
	PriceAnomaly  AnomalyKind = "PRICE_ANOMALY"
	VolumeAnomaly AnomalyKind = "VOLUME_ANOMALY"
)

// AnomalyRecord is a quote whose composite score cleared the alert threshold.
type AnomalyRecord struct {
	Symbol        string
	CohortKey     string
	Kind          AnomalyKind
	Score         float64
	PriceZ        float64
	VolumeZ       float64
	OIZ           float64
	TimeDecay     float64
	HoursToExpiry float64

	MarkPrice    float64
	Volume       float64
	OpenInterest float64
}

// CohortAlert is the set of anomalies dispatched together for one expiry cohort.
type CohortAlert struct {
	ID             string
	CohortKey      string
	Currency       string
	ReferencePrice float64
	BestScore      float64
	Records        []AnomalyRecord
	DetectedAt     time.Time
}

// OptimizationRun is a persisted grid-search outcome. The weights are applied
// to live evaluation only when the caller chooses to.
type OptimizationRun struct {
	ID             string
	CreatedAt      time.Time
	Weights        ThresholdWeights
	SuccessRate    float64
	Precision      float64
	TotalAlerts    int
	Successful     int
	FalsePositives int
	Band           string
	Recommendation string
	Samples        int
	GridSize       int
}
