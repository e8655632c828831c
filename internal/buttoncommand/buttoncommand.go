// Package buttoncommand publishes user-initiated button presses (play,
// pause, stop, next, previous) as events on the event topic, and gives the
// speaker engine a fast local stop path for buttons the device can act on
// before the service round-trip completes.
package buttoncommand

import "encoding/json"

// Button identifies a physical or virtual button press.
type Button int

const (
	Play Button = iota
	Next
	Previous
	Stop
	Pause
)

func (b Button) String() string {
	switch b {
	case Play:
		return "PLAY"
	case Next:
		return "NEXT"
	case Previous:
		return "PREVIOUS"
	case Stop:
		return "STOP"
	case Pause:
		return "PAUSE"
	default:
		return "UNKNOWN"
	}
}

// EventPublisher publishes a named event with a JSON payload on the event topic.
type EventPublisher interface {
	PublishEvent(name string, payload []byte) error
}

// StopPlayback is invoked for Stop and Pause presses before the event is
// published, so local audio halts without waiting on a service directive.
type StopPlayback func()

// Sender relays button presses to the service.
type Sender struct {
	publisher    EventPublisher
	stopPlayback StopPlayback
}

// New creates a Sender. stopPlayback may be nil if the device has no faster
// local stop path than waiting for the service's response.
func New(publisher EventPublisher, stopPlayback StopPlayback) *Sender {
	return &Sender{publisher: publisher, stopPlayback: stopPlayback}
}

type buttonPayload struct {
	Button string `json:"button"`
}

// OnButtonPressed publishes a ButtonCommandIssued event for button. For Stop
// and Pause it calls the configured [StopPlayback] first.
func (s *Sender) OnButtonPressed(button Button) error {
	if (button == Stop || button == Pause) && s.stopPlayback != nil {
		s.stopPlayback()
	}

	payload, err := json.Marshal(buttonPayload{Button: button.String()})
	if err != nil {
		return err
	}
	return s.publisher.PublishEvent("ButtonCommandIssued", payload)
}
