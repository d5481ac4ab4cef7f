package cheat

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(
		PromFindingsTotal,
		PromDroppedFindingsTotal,
		PromBansTotal,
		PromEscalationRetriesTotal,
	)
}

var (
	// PromFindingsTotal counts findings by type and severity.
	PromFindingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_cheat_findings_total",
		Help: "The number of cheat findings",
	}, []string{"type", "severity"})

	// PromDroppedFindingsTotal counts findings dropped on a full queue.
	PromDroppedFindingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cheat_findings_dropped_total",
		Help: "The number of cheat findings dropped because the queue was full",
	})

	// PromBansTotal counts tracker bans set by escalation.
	PromBansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cheat_bans_total",
		Help: "The number of users banned from the tracker by escalation",
	})

	// PromEscalationRetriesTotal counts lost compare-and-swap rounds.
	PromEscalationRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cheat_escalation_retries_total",
		Help: "The number of times a warning update was retried after a concurrent change",
	})
)
