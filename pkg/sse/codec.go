package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types emitted by the lab controller.
const (
	TypePing     = "ping"
	TypeProgress = "progress"
	TypeInfo     = "info"
	TypeError    = "error"
	TypeComplete = "complete"
	TypeFailed   = "failed"
)

// Framing names accepted by NewCodec.
const (
	FramingJSON = "json"
	FramingBare = "bare"
)

var (
	// ErrInvalidProgress is returned for progress values that are not
	// integers between 0 and 100.
	ErrInvalidProgress = errors.New("invalid progress value")

	// ErrUnknownEventType is returned for event types the codec does not
	// understand.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidEnvelope is returned when a JSON payload does not match the
	// expected {message, progress} shape.
	ErrInvalidEnvelope = errors.New("invalid event payload")
)

// Severity of a message event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityUnknown Severity = "unknown"
)

// Update is the typed form of an Event. It is one of Ping, Progress,
// Message, Complete or Failed.
type Update interface {
	isUpdate()
}

// Ping is a keep-alive injected by the controller or a proxy.
type Ping struct{}

// Progress reports a new completion percentage.
type Progress struct {
	Percent int
}

// Message is an info or error line, optionally carrying a new percentage.
type Message struct {
	Severity   Severity
	Text       string
	Percent    int
	HasPercent bool
}

// Complete reports that the lab is up.
type Complete struct {
	Text string
}

// Failed reports that the spawn failed on the controller side.
type Failed struct {
	Text string
}

func (Ping) isUpdate()     {}
func (Progress) isUpdate() {}
func (Message) isUpdate()  {}
func (Complete) isUpdate() {}
func (Failed) isUpdate()   {}

// Codec converts framed events into updates.
type Codec interface {
	Name() string
	Decode(ev Event) (Update, error)
}

// NewCodec returns the codec for a framing name. The framing is chosen per
// deployment to match the controller version; it is never auto-detected.
func NewCodec(framing string) (Codec, error) {
	switch framing {
	case FramingJSON, "":
		return JSONCodec{}, nil
	case FramingBare:
		return BareCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown event framing %q", framing)
	}
}

func checkPercent(n int) error {
	if n < 0 || n > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidProgress, n)
	}
	return nil
}

// JSONCodec decodes payloads shaped as {"message": ..., "progress": ...}.
type JSONCodec struct{}

type envelope struct {
	Message  *string `json:"message"`
	Progress *int    `json:"progress"`
}

func (JSONCodec) Name() string { return FramingJSON }

func (JSONCodec) Decode(ev Event) (Update, error) {
	switch ev.Type {
	case TypePing:
		return Ping{}, nil
	case TypeProgress, TypeInfo, TypeError, TypeComplete, TypeFailed:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	raw := strings.TrimSuffix(ev.Data, "\n")
	env, err := parseEnvelope(raw)
	if err != nil {
		// Terminal events are never dropped; the raw text becomes the message.
		switch ev.Type {
		case TypeComplete:
			return Complete{Text: raw}, nil
		case TypeFailed:
			return Failed{Text: raw}, nil
		}
		return nil, err
	}

	text := ""
	if env.Message != nil {
		text = *env.Message
	}

	switch ev.Type {
	case TypeComplete:
		return Complete{Text: text}, nil
	case TypeFailed:
		return Failed{Text: text}, nil
	}

	if ev.Type == TypeProgress || env.Message == nil {
		if env.Progress == nil {
			return nil, fmt.Errorf("%w: %s event without message or progress", ErrInvalidEnvelope, ev.Type)
		}
		return Progress{Percent: *env.Progress}, nil
	}

	msg := Message{Severity: Severity(ev.Type), Text: text}
	if env.Progress != nil {
		msg.Percent = *env.Progress
		msg.HasPercent = true
	}
	return msg, nil
}

func parseEnvelope(raw string) (envelope, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Progress != nil {
		if err := checkPercent(*env.Progress); err != nil {
			return envelope{}, err
		}
	}
	return env, nil
}

// BareCodec decodes payloads where progress events carry a bare integer and
// every other event carries a bare message.
type BareCodec struct{}

func (BareCodec) Name() string { return FramingBare }

func (BareCodec) Decode(ev Event) (Update, error) {
	switch ev.Type {
	case TypePing:
		return Ping{}, nil
	case TypeProgress:
		n, _, err := ev.Progress()
		if err != nil {
			return nil, err
		}
		if err := checkPercent(n); err != nil {
			return nil, err
		}
		return Progress{Percent: n}, nil
	case TypeInfo, TypeError:
		text, _ := ev.Message()
		return Message{Severity: Severity(ev.Type), Text: text}, nil
	case TypeFailed:
		text, _ := ev.Message()
		return Failed{Text: text}, nil
	case TypeComplete:
		return Complete{Text: strings.TrimSuffix(ev.Data, "\n")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
}
