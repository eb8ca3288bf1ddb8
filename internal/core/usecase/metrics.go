package usecase

import "sync/atomic"

// Metrics holds the counters of one database instance.
type Metrics struct {
	inserts              atomic.Int64
	updates              atomic.Int64
	deletes              atomic.Int64
	queries              atomic.Int64
	publications         atomic.Int64
	errors               atomic.Int64
	replayApplied        atomic.Int64
	replaySkipped        atomic.Int64
	replayFailed         atomic.Int64
	notificationsDropped atomic.Int64
	notificationsSent    atomic.Int64
	notificationsFailed  atomic.Int64
}

type MetricsSnapshot struct {
	Inserts              int64 `json:"inserts"`
	Updates              int64 `json:"updates"`
	Deletes              int64 `json:"deletes"`
	Queries              int64 `json:"queries"`
	Publications         int64 `json:"publications"`
	Errors               int64 `json:"errors"`
	ReplayApplied        int64 `json:"replay_applied"`
	ReplaySkipped        int64 `json:"replay_skipped"`
	ReplayFailed         int64 `json:"replay_failed"`
	NotificationsDropped int64 `json:"notifications_dropped"`
	NotificationsSent    int64 `json:"notifications_sent"`
	NotificationsFailed  int64 `json:"notifications_failed"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Inserts:              m.inserts.Load(),
		Updates:              m.updates.Load(),
		Deletes:              m.deletes.Load(),
		Queries:              m.queries.Load(),
		Publications:         m.publications.Load(),
		Errors:               m.errors.Load(),
		ReplayApplied:        m.replayApplied.Load(),
		ReplaySkipped:        m.replaySkipped.Load(),
		ReplayFailed:         m.replayFailed.Load(),
		NotificationsDropped: m.notificationsDropped.Load(),
		NotificationsSent:    m.notificationsSent.Load(),
		NotificationsFailed:  m.notificationsFailed.Load(),
	}
}
