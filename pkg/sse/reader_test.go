package sse

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func readAll(t *testing.T, r *Reader) ([]Event, error) {
	t.Helper()
	var events []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestReaderHandlesCRLF(t *testing.T) {
	body := "event: info\r\n" +
		"data: {\"message\": \"Lab creation initiated\", \"progress\": 2}\r\n" +
		"\r\n" +
		"event: ping\r\n" +
		"data: 2024-01-01 00:00:00\r\n" +
		"\r\n"

	got, err := readAll(t, NewReader(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	want := []Event{
		{Type: "info", Data: "{\"message\": \"Lab creation initiated\", \"progress\": 2}\n"},
		{Type: "ping", Data: "2024-01-01 00:00:00\n"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %#v, want %#v", got, want)
	}
}

func TestReaderSurfacesFramingErrors(t *testing.T) {
	r := NewReader(strings.NewReader("data: orphan\n\n"))
	_, err := r.Next()
	if !errors.Is(err, ErrMissingEventType) {
		t.Fatalf("Next() error = %v, want ErrMissingEventType", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestReaderSurfacesReadErrors(t *testing.T) {
	_, err := NewReader(failingReader{}).Next()
	if err == nil || err == io.EOF {
		t.Fatalf("Next() error = %v, want read error", err)
	}
}

func TestReaderStopsAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() on empty body = %v, want io.EOF", err)
	}
}
