package stats

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"volseg/internal/model"
)

// Distribution summarizes a series of per-sub-epoch values.
type Distribution struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type CategorySummary struct {
	Category  string  `json:"category"`
	Requested int     `json:"requested"`
	Drawn     int     `json:"drawn"`
	Shortfall float64 `json:"shortfall"`
	// Degenerate counts subject draws that requested segments but got none.
	Degenerate int `json:"degenerate"`
}

type RunSummary struct {
	RunID       string            `json:"run_id"`
	Subepochs   int               `json:"subepochs"`
	Requested   int               `json:"requested"`
	Drawn       int               `json:"drawn"`
	Timeouts    int               `json:"timeouts"`
	Recreations int               `json:"recreations"`
	DurationMS  Distribution      `json:"duration_ms"`
	BatchBytes  Distribution      `json:"batch_bytes"`
	Categories  []CategorySummary `json:"categories"`
	// SubjectVisits counts how often each subject was selected.
	SubjectVisits map[int]int `json:"subject_visits"`
}

func Summarize(runID string, records []model.SubepochRecord) RunSummary {
	summary := RunSummary{RunID: runID, Subepochs: len(records), SubjectVisits: map[int]int{}}
	durations := make([]float64, 0, len(records))
	sizes := make([]float64, 0, len(records))
	categories := map[string]*CategorySummary{}
	var order []string

	for _, r := range records {
		summary.Requested += r.Requested
		summary.Drawn += r.Drawn
		summary.Timeouts += r.Timeouts
		summary.Recreations += r.Recreations
		durations = append(durations, float64(r.DurationMillis))
		sizes = append(sizes, float64(r.BatchBytes))
		for _, s := range r.Subjects {
			summary.SubjectVisits[s.Subject]++
			for _, c := range s.Categories {
				cs, ok := categories[c.Category]
				if !ok {
					cs = &CategorySummary{Category: c.Category}
					categories[c.Category] = cs
					order = append(order, c.Category)
				}
				cs.Requested += c.Requested
				cs.Drawn += c.Drawn
				if c.Requested > 0 && c.Drawn == 0 {
					cs.Degenerate++
				}
			}
		}
	}

	summary.DurationMS = distribution(durations)
	summary.BatchBytes = distribution(sizes)
	for _, name := range order {
		cs := categories[name]
		if cs.Requested > 0 {
			cs.Shortfall = float64(cs.Requested-cs.Drawn) / float64(cs.Requested)
		}
		summary.Categories = append(summary.Categories, *cs)
	}
	return summary
}

func distribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	d := Distribution{Min: floats.Min(values), Max: floats.Max(values)}
	if len(values) == 1 {
		d.Mean = values[0]
		return d
	}
	d.Mean, d.Std = stat.MeanStdDev(values, nil)
	return d
}

// VisitedSubjects returns the selected subject indexes in ascending order.
func (s RunSummary) VisitedSubjects() []int {
	out := make([]int, 0, len(s.SubjectVisits))
	for subject := range s.SubjectVisits {
		out = append(out, subject)
	}
	sort.Ints(out)
	return out
}
