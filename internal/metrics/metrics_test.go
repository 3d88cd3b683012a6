package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ConnectionsTotal.Inc()
	m.Errors.WithLabelValues("forbidden").Inc()
	RegisterGauges(reg, func() float64 { return 3 }, func() float64 { return 2 })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if values["chatrelay_connections_total"] != 1 {
		t.Errorf("Expected connections_total 1, got %v", values["chatrelay_connections_total"])
	}
	if values["chatrelay_errors_total"] != 1 {
		t.Errorf("Expected errors_total 1, got %v", values["chatrelay_errors_total"])
	}
	if values["chatrelay_active_conversations"] != 3 || values["chatrelay_online_users"] != 2 {
		t.Errorf("Unexpected gauge values: %v", values)
	}
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.FramesSent.Inc()
}
