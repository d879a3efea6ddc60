package model

import "time"

// Band is a score-distribution bucket of a paper report.
type Band string

const (
	BandExcellent        Band = "excellent"
	BandVeryGood         Band = "very_good"
	BandGood             Band = "good"
	BandSatisfactory     Band = "satisfactory"
	BandNeedsImprovement Band = "needs_improvement"
	BandPoor             Band = "poor"
)

// Bands lists the buckets from best to worst.
var Bands = []Band{BandExcellent, BandVeryGood, BandGood, BandSatisfactory, BandNeedsImprovement, BandPoor}

// BandFor returns the bucket of a 0-100 percentage.
func BandFor(pct float64) Band {
	switch {
	case pct >= 90:
		return BandExcellent
	case pct >= 80:
		return BandVeryGood
	case pct >= 70:
		return BandGood
	case pct >= 60:
		return BandSatisfactory
	case pct >= 50:
		return BandNeedsImprovement
	default:
		return BandPoor
	}
}

// StudentResult is one student's line in a paper report.
type StudentResult struct {
	Student     string    `json:"student"`
	Submissions int       `json:"submissions"`
	Aggregate   Aggregate `json:"aggregate"`
	Percentage  float64   `json:"percentage"`
	Band        Band      `json:"band"`
	BandLabel   string    `json:"band_label"`
}

// ImprovementArea is the average of one scoring signal across a paper.
type ImprovementArea struct {
	Signal string  `json:"signal"`
	Area   string  `json:"area"`
	Score  float64 `json:"score"`
}

// BandCount is one bucket of the score distribution.
type BandCount struct {
	Band  Band   `json:"band"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// PaperReport summarises the results of all students on a paper.
type PaperReport struct {
	PaperID          int64             `json:"paper_id"`
	Title            string            `json:"title"`
	Subject          string            `json:"subject"`
	Students         []StudentResult   `json:"students"`
	AverageScore     float64           `json:"average_score"`
	MedianScore      float64           `json:"median_score"`
	Distribution     []BandCount       `json:"score_distribution"`
	ImprovementAreas []ImprovementArea `json:"improvement_areas"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// PaperExport is the top-level JSON structure written by the export command.
type PaperExport struct {
	Paper       Paper              `json:"paper"`
	Submissions []Submission       `json:"submissions"`
	Evaluations []StoredEvaluation `json:"evaluations"`
	Report      *PaperReport       `json:"report,omitempty"`
}
