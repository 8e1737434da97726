package telemetry

import (
	"github.com/opensource-finance/harrier/internal/domain"
)

// ComputeKPIs derives triage quality metrics from events. Medium and high
// bands count as predicted fraud; only labeled events enter the confusion
// matrix. Precision and recall are nil when undefined.
func ComputeKPIs(events []*domain.Event, cfg domain.TelemetryConfig) *domain.KPIs {
	kpis := &domain.KPIs{AlertVolumes: len(events)}

	var c domain.Confusion
	var totalMs int64
	for _, ev := range events {
		switch ev.RiskBand {
		case domain.BandHigh:
			kpis.BandDistribution.High++
		case domain.BandMedium:
			kpis.BandDistribution.Medium++
		default:
			kpis.BandDistribution.Low++
		}
		totalMs += ev.ProcessMs

		if ev.Label == nil {
			continue
		}
		predicted := flagged(ev)
		isFraud := *ev.Label == domain.LabelFraud
		switch {
		case predicted && isFraud:
			c.TP++
		case predicted && !isFraud:
			c.FP++
		case !predicted && !isFraud:
			c.TN++
		default:
			c.FN++
		}
	}
	kpis.Confusion = c

	if c.TP+c.FP > 0 {
		p := float64(c.TP) / float64(c.TP+c.FP)
		kpis.Precision = &p
	}
	if c.TP+c.FN > 0 {
		r := float64(c.TP) / float64(c.TP+c.FN)
		kpis.Recall = &r
	}
	if len(events) > 0 {
		sla := totalMs / int64(len(events))
		kpis.SLAMs = &sla
	}

	value := float64(c.TP)*cfg.CostTP + float64(c.FP)*cfg.CostFP +
		float64(c.FN)*cfg.CostFN + float64(c.TN)*cfg.CostTN
	labeled := c.TP + c.FP + c.FN + c.TN
	if labeled < 1 {
		labeled = 1
	}
	kpis.VDR = value / float64(labeled)

	return kpis
}
