// Package metrics holds the process-wide Prometheus collectors for
// enrollment, verification, lockout and token issuance.
package metrics

import (
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	SetupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_setups_total",
			Help: "Total number of TOTP enrollment attempts.",
		},
		[]string{"result"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_verifications_total",
			Help: "Total number of second-factor verification attempts.",
		},
		[]string{"method", "result"},
	)

	LockoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_lockouts_total",
			Help: "Total number of attempts rejected by the attempt limiter.",
		},
		[]string{"method"},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatehouse_tokens_issued_total",
			Help: "Total number of signed tokens issued.",
		},
		[]string{"kind"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{SetupsTotal, VerificationsTotal, LockoutsTotal, TokensIssuedTotal}
}

// Register adds every collector to reg. Collectors already present are
// skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// MustRegister registers the collectors with the default registry.
func MustRegister() {
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		panic(err)
	}
}

// WriteText writes every gathered family in the Prometheus text format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
