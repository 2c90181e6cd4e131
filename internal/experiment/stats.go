package experiment

import (
	"math"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// computeStatistics aggregates recorded results into per-metric comparisons.
// The p-value is a monotone heuristic over a Welch t statistic, good enough
// for dashboard ranking but not for formal inference.
func computeStatistics(exp *models.Experiment, results []*models.ExperimentResult) *models.ExperimentStatistics {
	stats := &models.ExperimentStatistics{ExperimentID: exp.ID}

	byMetric := map[string]struct{ control, treatment []float64 }{}
	for _, r := range results {
		switch r.Variant {
		case models.VariantControl:
			stats.ControlCount++
		case models.VariantTreatment:
			stats.TreatmentCount++
		}
		for name, value := range r.Metrics {
			samples := byMetric[name]
			if r.Variant == models.VariantTreatment {
				samples.treatment = append(samples.treatment, value)
			} else {
				samples.control = append(samples.control, value)
			}
			byMetric[name] = samples
		}
	}

	metrics := exp.Metrics
	if len(metrics) == 0 {
		for name := range byMetric {
			metrics = append(metrics, name)
		}
	}
	for _, name := range metrics {
		samples, ok := byMetric[name]
		if !ok {
			continue
		}
		stats.Comparisons = append(stats.Comparisons, compare(name, samples.control, samples.treatment))
	}
	return stats
}

func compare(name string, control, treatment []float64) models.MetricComparison {
	cm, cv := meanVariance(control)
	tm, tv := meanVariance(treatment)

	cmp := models.MetricComparison{
		Metric:        name,
		ControlMean:   cm,
		TreatmentMean: tm,
		PValue:        1.0,
	}
	if cm != 0 {
		cmp.PctDifference = (tm - cm) / math.Abs(cm) * 100
	}

	if len(control) < 2 || len(treatment) < 2 {
		return cmp
	}
	se := math.Sqrt(cv/float64(len(control)) + tv/float64(len(treatment)))
	if se == 0 {
		if tm != cm {
			cmp.PValue = 0
		}
		return cmp
	}
	t := (tm - cm) / se
	cmp.PValue = 1.0 / (1.0 + math.Exp(0.7*math.Abs(t)))
	return cmp
}

// meanVariance returns the sample mean and unbiased variance.
func meanVariance(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, ss / float64(len(xs)-1)
}
