package openai

import (
	"bufio"
	"io"
	"strings"
)

// streamSSE decodes a text/event-stream body and calls onEvent once per
// complete event. Data lines belonging to one event are joined with
// newlines; comment lines are ignored.
func streamSSE(r io.Reader, onEvent func(event string, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 32*1024), 1<<20)

	var name string
	var data []string

	emit := func() error {
		if len(data) == 0 {
			name = ""
			return nil
		}
		payload := strings.Join(data, "\n")
		ev := name
		name = ""
		data = data[:0]
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, payload)
	}

	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			if err := emit(); err != nil {
				return err
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return emit()
}
