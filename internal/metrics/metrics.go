package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PayrollRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrolld_payroll_runs_total",
		Help: "Payroll runs by resulting payment status.",
	}, []string{"status"})

	ScheduledPayrolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payrolld_scheduled_payrolls",
		Help: "Payrolls with a live cron entry.",
	})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrolld_webhooks_total",
		Help: "Webhook deliveries by result.",
	}, []string{"result"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrolld_verifications_total",
		Help: "Reference verifications by outcome.",
	}, []string{"outcome"})

	FundingsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payrolld_funding_applied_total",
		Help: "Fundings moved to a terminal state.",
	})
)
