// Package uxmanager derives the device's single user-facing UX state from
// the concurrent activity of the other subsystems (listening, thinking,
// speaking, alerting) so a client UI has one state machine to render
// against instead of several independent ones.
package uxmanager

import "sync"

// State is the UX state a device presents to the user.
type State uint8

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Alerting
	NotificationAvailable
	DoNotDisturb
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Alerting:
		return "ALERTING"
	case NotificationAvailable:
		return "NOTIFICATION_AVAILABLE"
	case DoNotDisturb:
		return "DO_NOT_DISTURB"
	default:
		return "UNKNOWN"
	}
}

// priority orders states when more than one condition holds at once: the
// highest-priority active condition wins. Alerting takes precedence over
// everything, mirroring an active alarm overriding conversational state.
var priority = map[State]int{
	Alerting:              0,
	DoNotDisturb:          1,
	Speaking:              2,
	Thinking:              3,
	Listening:             4,
	NotificationAvailable: 5,
	Idle:                  6,
}

// Observer is notified whenever the derived UX state changes.
type Observer func(State)

// Manager tracks the independent activity flags that feed into the derived
// UX state, and recomputes that state whenever one of them changes.
type Manager struct {
	observer Observer

	mu                    sync.Mutex
	listening             bool
	thinking              bool
	speaking              bool
	alerting              bool
	doNotDisturb          bool
	notificationAvailable bool
	current               State
}

// New creates a Manager in the Idle state.
func New(observer Observer) *Manager {
	return &Manager{observer: observer}
}

// State returns the currently derived UX state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetListening reports whether the microphone is actively streaming.
func (m *Manager) SetListening(v bool) { m.set(&m.listening, v) }

// SetThinking reports whether a directive response is pending.
func (m *Manager) SetThinking(v bool) { m.set(&m.thinking, v) }

// SetSpeaking reports whether the speaker engine is in the Playing state.
func (m *Manager) SetSpeaking(v bool) { m.set(&m.speaking, v) }

// SetAlerting reports whether an alert is currently sounding.
func (m *Manager) SetAlerting(v bool) { m.set(&m.alerting, v) }

// SetDoNotDisturb reports whether do-not-disturb mode is enabled.
func (m *Manager) SetDoNotDisturb(v bool) { m.set(&m.doNotDisturb, v) }

// SetNotificationAvailable reports whether an unread notification exists.
func (m *Manager) SetNotificationAvailable(v bool) { m.set(&m.notificationAvailable, v) }

func (m *Manager) set(flag *bool, v bool) {
	m.mu.Lock()
	if *flag == v {
		m.mu.Unlock()
		return
	}
	*flag = v
	next := m.deriveLocked()
	changed := next != m.current
	m.current = next
	observer := m.observer
	m.mu.Unlock()

	if changed && observer != nil {
		observer(next)
	}
}

func (m *Manager) deriveLocked() State {
	active := []State{}
	if m.alerting {
		active = append(active, Alerting)
	}
	if m.doNotDisturb {
		active = append(active, DoNotDisturb)
	}
	if m.speaking {
		active = append(active, Speaking)
	}
	if m.thinking {
		active = append(active, Thinking)
	}
	if m.listening {
		active = append(active, Listening)
	}
	if m.notificationAvailable {
		active = append(active, NotificationAvailable)
	}
	if len(active) == 0 {
		return Idle
	}
	best := active[0]
	for _, s := range active[1:] {
		if priority[s] < priority[best] {
			best = s
		}
	}
	return best
}
