// Package metrics defines Prometheus metrics for the process ledger.
// All collectors are registered upfront via promauto so every component
// can use them without touching this file again.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsActive tracks the number of operations this process holds
	// an open handle for.
	OperationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_operations_active",
		Help: "Number of operations with an open handle in this process",
	})

	// OperationsTotal counts operation lifecycle events.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total operation lifecycle events",
	}, []string{"event"})

	// HeartbeatCycles counts heartbeat cycles by outcome.
	HeartbeatCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_heartbeat_cycles_total",
		Help: "Total heartbeat cycles by outcome",
	}, []string{"outcome"})

	// HeartbeatDuration tracks the time one heartbeat cycle takes,
	// including lock acquisition and record I/O.
	HeartbeatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_heartbeat_cycle_seconds",
		Help:    "Duration of one heartbeat cycle",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	// ParticipantHeartbeat is set to 1 while this participant's heartbeat
	// task is running for an operation.
	ParticipantHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_participant_heartbeat",
		Help: "Whether this participant's heartbeat task is running",
	}, []string{"operation_id"})

	// StaleFramesDetected counts frames transitioned to crashed because
	// their heartbeat exceeded the stale threshold.
	StaleFramesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stale_frames_detected_total",
		Help: "Frames marked crashed after a stale heartbeat",
	})

	// CleanupActions counts cleanup rule applications by rule.
	CleanupActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cleanup_actions_total",
		Help: "Cleanup rule applications by rule",
	}, []string{"rule"})

	// LockAcquisitions counts lock acquisition attempts by result.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_lock_acquisitions_total",
		Help: "Lock acquisition attempts by result",
	}, []string{"result"})

	// LockWaitDuration tracks the time spent acquiring the lock file.
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent acquiring the operation lock file",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	// StaleLocksReclaimed counts lock files reclaimed from dead or
	// expired holders.
	StaleLocksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_stale_locks_reclaimed_total",
		Help: "Lock files reclaimed from dead or expired holders",
	})

	// RecordWrites counts record store writes by result.
	RecordWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_record_writes_total",
		Help: "Operation record writes by result",
	}, []string{"result"})

	// BackupRotations counts backup files created by the record store.
	BackupRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_backup_rotations_total",
		Help: "Backup files created by record writes",
	})

	// CallsTotal counts call lifecycle events by kind and status.
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_calls_total",
		Help: "Call lifecycle events",
	}, []string{"kind", "status"})

	// PendingCalls tracks outstanding local calls per operation.
	PendingCalls = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_pending_calls",
		Help: "Outstanding local calls per operation",
	}, []string{"operation_id"})

	// TempResourcesDeleted counts temp resources deleted during cleanup.
	TempResourcesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_temp_resources_deleted_total",
		Help: "Temp resources deleted during cleanup",
	})
)
