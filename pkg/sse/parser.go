// Package sse decodes the lab controller's text/event-stream responses.
//
// Decoding happens in two layers. A Parser turns raw lines into Events
// ({type, data}) following the event-stream framing rules, and a Codec turns
// each Event into a typed Update according to the payload convention the
// controller speaks (JSON envelopes or bare values).
package sse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrEventTypeConflict is returned when one event block declares two
	// different event types before being dispatched.
	ErrEventTypeConflict = errors.New("conflicting event types in one event")

	// ErrMissingEventType is returned when an event block is dispatched
	// without ever declaring its type.
	ErrMissingEventType = errors.New("event data without event type")
)

// ParseError describes a framing violation in the event stream.
type ParseError struct {
	Err    error
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Event is one dispatched event-stream record. Data holds every data line of
// the record, each terminated by a newline.
type Event struct {
	Type string
	Data string
}

// Progress returns the bare integer carried by a progress event. The boolean
// is false for any other event type.
func (e Event) Progress() (int, bool, error) {
	if e.Type != TypeProgress {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(e.Data))
	if err != nil {
		return 0, true, fmt.Errorf("%w: %q", ErrInvalidProgress, strings.TrimSpace(e.Data))
	}
	return n, true, nil
}

// Message returns the bare message carried by info, error and failed events,
// without the trailing framing newline.
func (e Event) Message() (string, bool) {
	switch e.Type {
	case TypeInfo, TypeError, TypeFailed:
		return strings.TrimSuffix(e.Data, "\n"), true
	default:
		return "", false
	}
}

// Parser accumulates lines of one stream. A Parser must not be reused across
// connections; create a new one per response body.
type Parser struct {
	eventType string
	data      strings.Builder
	pending   bool
}

// NewParser returns a parser with empty state.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one line, already stripped of its line ending. It returns a
// dispatched event and true when the line was the blank terminator of a
// complete block.
func (p *Parser) Feed(line string) (Event, bool, error) {
	if line == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false, nil
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	p.pending = true

	switch field {
	case "event":
		if p.eventType != "" && value != "" && p.eventType != value {
			prev := p.eventType
			p.reset()
			return Event{}, false, &ParseError{
				Err:    ErrEventTypeConflict,
				Detail: fmt.Sprintf("%q and %q", prev, value),
			}
		}
		if value != "" {
			p.eventType = value
		}
	case "data":
		p.data.WriteString(value)
		p.data.WriteByte('\n')
	default:
		// id, retry and unknown fields are ignored.
	}
	return Event{}, false, nil
}

func (p *Parser) dispatch() (Event, bool, error) {
	if !p.pending {
		return Event{}, false, nil
	}
	defer p.reset()

	if p.eventType == "" {
		return Event{}, false, &ParseError{
			Err:    ErrMissingEventType,
			Detail: fmt.Sprintf("data %q", p.data.String()),
		}
	}
	return Event{Type: p.eventType, Data: p.data.String()}, true, nil
}

func (p *Parser) reset() {
	p.eventType = ""
	p.data.Reset()
	p.pending = false
}

// DecodeLines runs a fresh parser over lines and returns every dispatched
// event, stopping at the first framing error.
func DecodeLines(lines []string) ([]Event, error) {
	p := NewParser()
	var events []Event
	for _, line := range lines {
		ev, ok, err := p.Feed(line)
		if err != nil {
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}
