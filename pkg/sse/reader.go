package sse

import (
	"bufio"
	"io"
	"strings"
)

const maxLineSize = 1024 * 1024

// Reader yields events from a streaming response body.
type Reader struct {
	scanner *bufio.Scanner
	parser  *Parser
}

// NewReader wraps r, typically an HTTP response body.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{
		scanner: scanner,
		parser:  NewParser(),
	}
}

// Next blocks until the next complete event is available. It returns io.EOF
// once the stream ends; a trailing block without its blank terminator is
// dropped.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		ev, ok, err := r.parser.Feed(line)
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
