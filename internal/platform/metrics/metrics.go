package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Core counters for pipeline and consensus outcomes. Verification failures
// are counted but never reported back to peers.
type Core struct {
	MessagesEncrypted prometheus.Counter
	MessagesDecrypted prometheus.Counter
	VerifyFailures    prometheus.Counter
	DroppedNotForMe   prometheus.Counter

	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	HistoryResyncs   prometheus.Counter
}

func NewCore(reg prometheus.Registerer) *Core {
	m := &Core{
		MessagesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "pipeline", Name: "messages_encrypted_total",
			Help: "Messages that completed the encrypt stage.",
		}),
		MessagesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "pipeline", Name: "messages_decrypted_total",
			Help: "Messages that completed the decrypt stage.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "pipeline", Name: "verify_failures_total",
			Help: "Messages dropped for signature mismatch.",
		}),
		DroppedNotForMe: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "pipeline", Name: "dropped_not_for_me_total",
			Help: "Messages sealed for a sibling device, dropped benignly.",
		}),
		CommandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "group", Name: "commands_applied_total",
			Help: "Group commands that mutated membership state.",
		}, []string{"command"}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "group", Name: "commands_rejected_total",
			Help: "Group commands rejected by guard or permission checks.",
		}, []string{"command"}),
		HistoryResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mist", Subsystem: "group", Name: "history_resyncs_total",
			Help: "Full group history pushes to lagging members.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesEncrypted, m.MessagesDecrypted, m.VerifyFailures, m.DroppedNotForMe,
			m.CommandsApplied, m.CommandsRejected, m.HistoryResyncs,
		)
	}
	return m
}
