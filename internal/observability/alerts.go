package observability

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertKind enumerates the conditions the warehouse can raise an alert for.
type AlertKind string

const (
	AlertHighErrorRate  AlertKind = "high_error_rate"
	AlertDataStale      AlertKind = "data_stale"
	AlertSchedulerFail  AlertKind = "scheduler_failed"
	AlertUpstreamTimeout AlertKind = "upstream_timeout"
	AlertCustom         AlertKind = "custom"
)

// AlertSeverity ranks an alert for routing purposes.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is one raised condition.
type Alert struct {
	Kind      AlertKind     `json:"kind"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Symbol    string        `json:"symbol,omitempty"`
	At        time.Time     `json:"at"`
}

// Handler delivers an alert to one sink (log, email, webhook, ...).
type Handler interface {
	deliver(a Alert)
}

// logHandler writes alerts through the structured logger. Always installed.
type logHandler struct{ log zerolog.Logger }

func (h logHandler) deliver(a Alert) {
	ev := h.log.Warn()
	if a.Severity == SeverityCritical {
		ev = h.log.Error()
	}
	ev.Str("kind", string(a.Kind)).Str("severity", string(a.Severity)).Str("symbol", a.Symbol).Msg(a.Message)
}

// EmailSender abstracts outbound email delivery so Manager stays
// unit-testable without a real SMTP connection.
type EmailSender interface {
	Send(subject, body string) error
}

// emailHandler relays critical alerts through an EmailSender.
type emailHandler struct {
	sender EmailSender
	log    zerolog.Logger
}

func (h emailHandler) deliver(a Alert) {
	if a.Severity != SeverityCritical {
		return
	}
	if err := h.sender.Send(string(a.Kind)+": "+a.Message, a.Message); err != nil {
		h.log.Error().Err(err).Msg("failed to deliver email alert")
	}
}

const maxRetainedAlerts = 1000

// Manager fans a raised Alert out to every installed Handler and retains
// the most recent maxRetainedAlerts for GET /api/v1/observability/alerts.
type Manager struct {
	mu       sync.Mutex
	handlers []Handler
	recent   []Alert
}

// NewManager builds a Manager with the log handler always installed.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{handlers: []Handler{logHandler{log: log}}}
}

// WithEmail installs an additional handler that relays critical alerts by
// email.
func (m *Manager) WithEmail(sender EmailSender, log zerolog.Logger) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, emailHandler{sender: sender, log: log})
	return m
}

// Raise delivers an alert to every installed handler and retains it.
func (m *Manager) Raise(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.recent = append(m.recent, a)
	if len(m.recent) > maxRetainedAlerts {
		m.recent = m.recent[len(m.recent)-maxRetainedAlerts:]
	}
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h.deliver(a)
	}
}

// Recent returns up to the last maxRetainedAlerts alerts, oldest first.
func (m *Manager) Recent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.recent...)
}
