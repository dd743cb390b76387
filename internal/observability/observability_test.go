package observability

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_HealthyBelowFivePercent(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.Record("/api/v1/status", 10*time.Millisecond, i < 2) // 2% errors
	}
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, HealthHealthy, snap[0].HealthStatus)
}

func TestCollector_DegradedBetweenFiveAndTenPercent(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.Record("/api/v1/status", 10*time.Millisecond, i < 7) // 7% errors
	}
	snap := c.Snapshot()
	assert.Equal(t, HealthDegraded, snap[0].HealthStatus)
}

func TestCollector_CriticalAboveTenPercent(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 100; i++ {
		c.Record("/api/v1/status", 10*time.Millisecond, i < 15) // 15% errors
	}
	snap := c.Snapshot()
	assert.Equal(t, HealthCritical, snap[0].HealthStatus)
}

func TestCollector_EmptySnapshotWithNoTraffic(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	assert.Empty(t, snap)
}

func TestCollector_EvictsOutsideWindow(t *testing.T) {
	c := NewCollector()
	c.window = time.Millisecond
	c.Record("/x", time.Millisecond, false)
	time.Sleep(5 * time.Millisecond)
	c.Record("/x", time.Millisecond, false)
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Count)
}

type fakeEmail struct{ sent []string }

func (f *fakeEmail) Send(subject, body string) error {
	f.sent = append(f.sent, subject)
	return nil
}

func TestAlertManager_RetainsRecentAlerts(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.Raise(Alert{Kind: AlertDataStale, Severity: SeverityWarning, Message: "AAPL stale"})
	m.Raise(Alert{Kind: AlertHighErrorRate, Severity: SeverityCritical, Message: "elevated errors"})

	recent := m.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, AlertDataStale, recent[0].Kind)
}

func TestAlertManager_EmailHandlerOnlyFiresForCritical(t *testing.T) {
	sender := &fakeEmail{}
	m := NewManager(zerolog.Nop()).WithEmail(sender, zerolog.Nop())

	m.Raise(Alert{Kind: AlertDataStale, Severity: SeverityWarning, Message: "not critical"})
	assert.Empty(t, sender.sent)

	m.Raise(Alert{Kind: AlertSchedulerFail, Severity: SeverityCritical, Message: "scheduler down"})
	assert.Len(t, sender.sent, 1)
}

func TestAlertManager_CapsRetainedAlertsAtLimit(t *testing.T) {
	m := NewManager(zerolog.Nop())
	for i := 0; i < maxRetainedAlerts+50; i++ {
		m.Raise(Alert{Kind: AlertCustom, Severity: SeverityInfo, Message: "tick"})
	}
	assert.Len(t, m.Recent(), maxRetainedAlerts)
}

func TestNewLogger_ParsesLevel(t *testing.T) {
	log := NewLogger("debug", false)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
}

func TestNewLogger_FallsBackToInfoOnInvalidLevel(t *testing.T) {
	log := NewLogger("not-a-level", false)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}
