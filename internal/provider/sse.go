package provider

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSEEvent is one event from a text/event-stream body. Data holds the
// joined data lines without the trailing newline.
type SSEEvent struct {
	Event string
	Data  []byte
}

// maxSSELine bounds a single stream line; model output lines can be large
// when a whole JSON payload arrives as one data line.
const maxSSELine = 16 * 1024 * 1024

// ReadSSE consumes a server-sent event stream, calling handle once per
// complete event. A non-nil error from handle stops the read and is
// returned; io.EOF from handle stops cleanly.
func ReadSSE(r io.Reader, handle func(SSEEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxSSELine)

	var event string
	var data bytes.Buffer

	flush := func() error {
		if event == "" && data.Len() == 0 {
			return nil
		}
		ev := SSEEvent{Event: event, Data: bytes.TrimSuffix(data.Bytes(), []byte("\n"))}
		event = ""
		data.Reset()
		return handle(ev)
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := flush(); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// A final event without a trailing blank line still counts.
	if err := flush(); err != nil && err != io.EOF {
		return err
	}
	return nil
}
