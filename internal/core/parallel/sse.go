package parallel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/markdave123-py/Sleuth/internal/models"
)

const (
	EventTypeState    = "task_run.state"
	EventTypeError    = "error"
	maxFrameLineBytes = 1 << 20
)

// Frame is one server-sent event.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// ReadFrames parses an event stream from r and calls fn for every complete
// frame. It returns nil when r reaches EOF.
func ReadFrames(r io.Reader, fn func(Frame)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameLineBytes)

	var (
		f    Frame
		data strings.Builder
		seen bool
	)
	emit := func() {
		if seen {
			f.Data = strings.TrimSuffix(data.String(), "\n")
			fn(f)
		}
		f = Frame{}
		data.Reset()
		seen = false
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			emit()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
			seen = true
		case "event":
			f.Event = value
			seen = true
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			seen = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	emit()
	return nil
}

type stateFrame struct {
	Type string `json:"type"`
	Run  *struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	} `json:"run"`
}

// StateOf reports the run status carried by a task_run.state frame.
func StateOf(f Frame) (runID string, status models.TaskStatus, ok bool) {
	if f.Data == "" {
		return "", "", false
	}
	var s stateFrame
	if err := json.Unmarshal([]byte(f.Data), &s); err != nil {
		return "", "", false
	}
	typ := s.Type
	if typ == "" {
		typ = f.Event
	}
	if typ != EventTypeState || s.Run == nil {
		return "", "", false
	}
	status, ok = NormalizeStatus(s.Run.Status)
	return s.Run.RunID, status, ok
}

// ErrorFrame renders a terminal error event.
func ErrorFrame(message string) []byte {
	b, _ := json.Marshal(map[string]string{"type": EventTypeError, "message": message})
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", EventTypeError, b))
}
