// Package notifications raises alerts about control cycle outcomes
package notifications

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/mrcode/nightscout-loop/internal/log"
	"github.com/mrcode/nightscout-loop/internal/loop"
)

// Alert type constants
const (
	AlertSuspend     = "suspend"
	AlertBolusNotice = "bolus_notice"
	AlertLoopFailing = "loop_failing"
)

// FailureThreshold is how many consecutive failed cycles raise AlertLoopFailing.
const FailureThreshold = 3

// Notifier delivers one alert
type Notifier func(alertType, title, message string)

// LogNotifier writes alerts to the application log
func LogNotifier(alertType, title, message string) {
	log.Warnw(title, "alert", alertType, "message", message)
}

var desktopNotify = beeep.Notify

// DesktopNotifier shows alerts as desktop notifications, falling back to the log when none can be shown
func DesktopNotifier(alertType, title, message string) {
	if err := desktopNotify(title, message, ""); err != nil {
		log.Debugf("Desktop notification failed: %v", err)
		LogNotifier(alertType, title, message)
	}
}

// NewNotifier returns DesktopNotifier when desktop alerts are enabled and LogNotifier otherwise
func NewNotifier(desktop bool) Notifier {
	if desktop {
		return DesktopNotifier
	}
	return LogNotifier
}

// Manager decides which cycle outcomes raise alerts and how often they repeat
type Manager struct {
	repeat        time.Duration
	notify        Notifier
	now           func() time.Time
	lastAlertTime map[string]time.Time
	mu            sync.Mutex
}

// NewManager creates a new notification manager. A zero repeat alerts once per episode.
func NewManager(repeat time.Duration, notify Notifier) *Manager {
	if notify == nil {
		notify = LogNotifier
	}
	return &Manager{
		repeat:        repeat,
		notify:        notify,
		now:           time.Now,
		lastAlertTime: make(map[string]time.Time),
	}
}

// CheckAndNotify inspects one cycle. out is nil for a failed cycle. It returns the alerts sent.
func (m *Manager) CheckAndNotify(out *loop.Output, consecutiveErrors int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.activeAlerts(out, consecutiveErrors)

	// an episode ended; the next one alerts immediately
	for alertType := range m.lastAlertTime {
		if _, ok := active[alertType]; !ok {
			delete(m.lastAlertTime, alertType)
		}
	}

	var sent []string
	now := m.now()
	for _, alertType := range []string{AlertLoopFailing, AlertSuspend, AlertBolusNotice} {
		message, ok := active[alertType]
		if !ok {
			continue
		}
		if lastTime, ok := m.lastAlertTime[alertType]; ok {
			if m.repeat <= 0 || now.Sub(lastTime) < m.repeat {
				continue
			}
		}
		m.notify(alertType, title(alertType), message)
		m.lastAlertTime[alertType] = now
		sent = append(sent, alertType)
	}
	return sent
}

// activeAlerts maps each alert condition present in the cycle to its message
func (m *Manager) activeAlerts(out *loop.Output, consecutiveErrors int) map[string]string {
	active := make(map[string]string)
	if consecutiveErrors >= FailureThreshold {
		active[AlertLoopFailing] = fmt.Sprintf("%d control cycles failed in a row", consecutiveErrors)
	}
	if out == nil {
		return active
	}
	if out.Correction.Kind == "suspend" {
		msg := "Predicted glucose falls below the suspend threshold"
		if low := out.Correction.Min; low != nil {
			msg = fmt.Sprintf("Predicted glucose %.0f mg/dL at %s is below the suspend threshold", low.Quantity, low.Date.Format("15:04"))
		}
		active[AlertSuspend] = msg
	}
	if out.ManualBolus != nil && out.ManualBolus.Notice != nil {
		n := out.ManualBolus.Notice
		active[AlertBolusNotice] = fmt.Sprintf("%s: %.0f mg/dL at %s", n.Kind, n.Glucose, n.Date.Format("15:04"))
	}
	return active
}

func title(alertType string) string {
	switch alertType {
	case AlertSuspend:
		return "Insulin delivery suspended"
	case AlertBolusNotice:
		return "Bolus advisory"
	case AlertLoopFailing:
		return "Closed loop is not running"
	}
	return alertType
}

// ClearAlertState clears the alert state for a specific type or all types
func (m *Manager) ClearAlertState(alertType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alertType == "" {
		m.lastAlertTime = make(map[string]time.Time)
	} else {
		delete(m.lastAlertTime, alertType)
	}
}
