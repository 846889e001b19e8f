package metrics

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Dump writes every family gathered from g whose name starts with prefix in
// the Prometheus text exposition format. An empty prefix writes everything.
func Dump(w io.Writer, g prometheus.Gatherer, prefix string) error {
	families, gatherErr := g.Gather()
	if len(families) == 0 && gatherErr != nil {
		return fmt.Errorf("gather metrics: %w", gatherErr)
	}

	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), prefix) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}

	// Gather returns whatever it could collect alongside its error.
	if gatherErr != nil {
		return fmt.Errorf("gather metrics: %w", gatherErr)
	}
	return nil
}

// CounterValue sums the values of every series of the named counter family,
// or returns 0 when it does not exist. Used for the exit summary.
func CounterValue(g prometheus.Gatherer, name string) (float64, error) {
	families, err := g.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		if mf.GetType() != dto.MetricType_COUNTER {
			return 0, fmt.Errorf("metric %s is %s, not a counter", name, mf.GetType())
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum, nil
	}
	return 0, nil
}
