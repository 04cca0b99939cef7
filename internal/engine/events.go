package engine

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Event is a typed progress-stream event. The stream yields a finite,
// ordered sequence ending with CompleteEvent, ErrorEvent, or a disconnect.
type Event interface {
	isEvent()
}

// ProgressEvent reports sampler progress for the current node.
type ProgressEvent struct {
	Value int
	Max   int
}

// ExecutingEvent reports which node the engine is currently executing.
// NodeID is nil when the engine moves past the last node.
type ExecutingEvent struct {
	NodeID *string
}

// ErrorEvent reports an execution error; the job will not complete.
type ErrorEvent struct {
	Message string
}

// CompleteEvent reports that the job executed to the end of its graph.
type CompleteEvent struct{}

func (ProgressEvent) isEvent()  {}
func (ExecutingEvent) isEvent() {}
func (ErrorEvent) isEvent()     {}
func (CompleteEvent) isEvent()  {}

// wsMessage is the engine's websocket envelope.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

type wsExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type wsErrorData struct {
	PromptID         string `json:"prompt_id"`
	ExceptionMessage string `json:"exception_message"`
}

// ProgressStream is the live event subscription for one submitted job.
// Events are read from Events(); once that channel closes, Err() reports
// whether the stream ended on a terminal event (nil) or a disconnect.
// The stream is not restartable: after a disconnect the caller must fall
// back to polling history.
type ProgressStream struct {
	conn   *websocket.Conn
	events chan Event
	err    error
	closed chan struct{}
}

// Events returns the event channel. It is closed when the stream ends.
func (s *ProgressStream) Events() <-chan Event {
	return s.events
}

// Err reports why the stream ended. It is valid only after Events() closes.
func (s *ProgressStream) Err() error {
	return s.err
}

// Close releases the underlying connection. Safe to call more than once.
func (s *ProgressStream) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.conn.Close()
}

// readLoop decodes engine messages into typed events until a terminal event
// or a connection failure. Events for other clients' jobs are dropped.
func (s *ProgressStream) readLoop(promptID string) {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// Closed by the consumer; not a disconnect.
			default:
				s.err = ErrStreamDisconnected
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Binary preview frames and other non-JSON payloads are expected;
			// skip them.
			continue
		}

		switch msg.Type {
		case "progress":
			var data wsProgressData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			// The socket is shared per client id, so concurrent jobs see
			// each other's sampler progress unless it is filtered here.
			if data.PromptID != "" && data.PromptID != promptID {
				continue
			}
			s.emit(ProgressEvent{Value: data.Value, Max: data.Max})

		case "executing":
			var data wsExecutingData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			if data.PromptID != promptID {
				continue
			}
			if data.Node == nil {
				s.emit(CompleteEvent{})
				return
			}
			s.emit(ExecutingEvent{NodeID: data.Node})

		case "execution_error":
			var data wsErrorData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			if data.PromptID != "" && data.PromptID != promptID {
				continue
			}
			s.emit(ErrorEvent{Message: data.ExceptionMessage})
			return
		}
	}
}

func (s *ProgressStream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
