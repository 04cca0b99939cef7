// Package enginetest provides an in-process fake of the generative engine:
// the HTTP submission/history/view/upload/interrupt endpoints plus the
// websocket progress stream. Tests script it to drive runners through
// success, rejection, disconnect, and cancellation paths without a real
// engine.
package enginetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Submission records one accepted job graph.
type Submission struct {
	PromptID string
	Graph    json.RawMessage
}

// Fake is an in-process engine double. Zero value is not usable; use New.
type Fake struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[*websocket.Conn]bool
	connWaiters []chan struct{}
	nextID      int
	submissions []Submission
	histories   map[string]json.RawMessage
	files       map[string][]byte
	uploads     map[string][]byte
	interrupts  int

	// RejectMessage, when non-empty, makes every submission fail with an
	// HTTP 400 carrying this validation message.
	RejectMessage string

	// DefaultFile, when non-nil, is served for any /view request whose
	// filename has not been registered with SetFile.
	DefaultFile []byte

	// OnSubmit, when set, runs in its own goroutine once a progress stream
	// is connected after the submission. It is the place to script events.
	OnSubmit func(f *Fake, promptID string, graph json.RawMessage)
}

// New starts a fake engine.
func New() *Fake {
	f := &Fake{
		conns:     make(map[*websocket.Conn]bool),
		histories: make(map[string]json.RawMessage),
		files:     make(map[string][]byte),
		uploads:   make(map[string][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /prompt", f.handleSubmit)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("GET /view", f.handleView)
	mux.HandleFunc("POST /upload/image", f.handleUpload)
	mux.HandleFunc("POST /interrupt", f.handleInterrupt)
	mux.HandleFunc("GET /ws", f.handleWS)

	f.srv = httptest.NewServer(mux)
	return f
}

// Close shuts the fake down, dropping any open streams.
func (f *Fake) Close() {
	f.CloseStreams()
	f.srv.Close()
}

// URL returns the HTTP base URL.
func (f *Fake) URL() string {
	return f.srv.URL
}

// WSURL returns the websocket endpoint URL.
func (f *Fake) WSURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

// Submissions returns all accepted submissions in order.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// Interrupts returns how many interrupt calls were received.
func (f *Fake) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// Uploads returns the images uploaded to the engine, keyed by stored name.
func (f *Fake) Uploads() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

// SetFile registers the bytes served for a /view request on filename.
func (f *Fake) SetFile(filename string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = data
}

// HistoryOutput describes one node's output files for SetHistory.
type HistoryOutput struct {
	Node  string
	Files []string
}

// SetHistory registers the history record returned for promptID. Output
// files are listed under type "output" with no subfolder.
func (f *Fake) SetHistory(promptID string, completed bool, errMsg string, outputs []HistoryOutput) {
	type ref struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	nodeOutputs := make(map[string]map[string][]ref)
	for _, out := range outputs {
		refs := make([]ref, len(out.Files))
		for i, name := range out.Files {
			refs[i] = ref{Filename: name, Type: "output"}
		}
		nodeOutputs[out.Node] = map[string][]ref{"images": refs}
	}

	status := map[string]any{
		"completed":  completed,
		"status_str": "success",
		"messages":   []any{},
	}
	if errMsg != "" {
		status["status_str"] = "error"
		status["messages"] = []any{
			[]any{"execution_error", map[string]any{"exception_message": errMsg}},
		}
	}

	entry, _ := json.Marshal(map[string]any{
		"outputs": nodeOutputs,
		"status":  status,
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[promptID] = entry
}

// WaitForStream blocks until a progress stream is connected or the timeout
// elapses.
func (f *Fake) WaitForStream(timeout time.Duration) error {
	f.mu.Lock()
	if len(f.conns) > 0 {
		f.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	f.connWaiters = append(f.connWaiters, ch)
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no progress stream connected within %v", timeout)
	}
}

// Emit writes one JSON message to every connected stream.
func (f *Fake) Emit(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("enginetest: marshal event: %v", err))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
}

// EmitProgress emits a sampler progress event for promptID.
func (f *Fake) EmitProgress(promptID string, value, max int) {
	f.Emit(map[string]any{
		"type": "progress",
		"data": map[string]any{"value": value, "max": max, "prompt_id": promptID},
	})
}

// EmitExecuting emits a node-executing event. A nil node signals completion.
func (f *Fake) EmitExecuting(promptID string, node *string) {
	f.Emit(map[string]any{
		"type": "executing",
		"data": map[string]any{"node": node, "prompt_id": promptID},
	})
}

// EmitComplete emits the terminal executing event (node = null).
func (f *Fake) EmitComplete(promptID string) {
	f.EmitExecuting(promptID, nil)
}

// EmitError emits an execution error event.
func (f *Fake) EmitError(promptID, message string) {
	f.Emit(map[string]any{
		"type": "execution_error",
		"data": map[string]any{"prompt_id": promptID, "exception_message": message},
	})
}

// CloseStreams drops all connected progress streams without a terminal
// event, simulating a mid-job disconnect.
func (f *Fake) CloseStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.Close()
		delete(f.conns, conn)
	}
}

func (f *Fake) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	if f.RejectMessage != "" {
		msg := f.RejectMessage
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "invalid_prompt", "message": msg},
		})
		return
	}
	f.nextID++
	promptID := fmt.Sprintf("prompt-%d", f.nextID)
	f.submissions = append(f.submissions, Submission{PromptID: promptID, Graph: req.Prompt})
	onSubmit := f.OnSubmit
	f.mu.Unlock()

	if onSubmit != nil {
		go func() {
			if err := f.WaitForStream(5 * time.Second); err != nil {
				return
			}
			onSubmit(f, promptID, req.Prompt)
		}()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"prompt_id": promptID})
}

func (f *Fake) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID := r.PathValue("id")

	f.mu.Lock()
	entry, ok := f.histories[promptID]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		// Unknown jobs yield an empty envelope, matching the real engine.
		fmt.Fprint(w, "{}")
		return
	}
	fmt.Fprintf(w, `{%q:%s}`, promptID, entry)
}

func (f *Fake) handleView(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")

	f.mu.Lock()
	data, ok := f.files[filename]
	if !ok && f.DefaultFile != nil {
		data, ok = f.DefaultFile, true
	}
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (f *Fake) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read image", http.StatusInternalServerError)
		return
	}

	f.mu.Lock()
	f.uploads[header.Filename] = data
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"name": header.Filename})
}

func (f *Fake) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *Fake) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conns[conn] = true
	for _, ch := range f.connWaiters {
		close(ch)
	}
	f.connWaiters = nil
	f.mu.Unlock()

	// Drain reads so close frames are processed; the fake never expects
	// client messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.mu.Lock()
				delete(f.conns, conn)
				f.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}
