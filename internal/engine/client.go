package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const interruptTimeout = 2 * time.Second

// Client is a stateless request/response wrapper over the generative
// engine's HTTP endpoints plus its websocket progress stream. The only
// state it carries is the client identity used to correlate stream events
// with submitted jobs; the engine remains the source of truth for
// execution state.
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	http     *http.Client
}

// NewClient creates a client for the engine at baseURL (HTTP) and wsURL
// (websocket endpoint, e.g. ws://host:8188/ws).
func NewClient(baseURL, wsURL string) *Client {
	return &Client{
		baseURL:  baseURL,
		wsURL:    wsURL,
		clientID: uuid.NewString(),
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

// ClientID returns the identity under which this client subscribes to
// stream events.
func (c *Client) ClientID() string {
	return c.clientID
}

// ArtifactRef identifies one produced file on the engine.
type ArtifactRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History is the engine's record of a finished (or failed) job: per-node
// output files plus terminal status. It is the reconciliation source of
// truth when the progress stream ends without a terminal event.
type History struct {
	Completed bool
	Error     string
	Outputs   map[string][]ArtifactRef
}

type submitRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

type engineError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Submit posts a concrete job graph and returns the engine's job id.
// A connection failure surfaces as ErrEngineUnreachable; a validation
// failure as *RejectedError, which the caller must not blindly retry.
func (c *Client) Submit(ctx context.Context, graph json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		var ee engineError
		msg := string(raw)
		if err := json.Unmarshal(raw, &ee); err == nil && ee.Error.Message != "" {
			msg = ee.Error.Message
		}
		return "", &RejectedError{Message: msg}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("submit failed (status %d): %s", resp.StatusCode, string(raw))
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.PromptID == "" {
		return "", fmt.Errorf("submit response missing prompt_id")
	}
	return sr.PromptID, nil
}

// OpenProgressStream establishes the persistent streaming connection for a
// submitted job. The returned stream is finite and not restartable; the
// caller owns it and must Close it.
func (c *Client) OpenProgressStream(ctx context.Context, promptID string) (*ProgressStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"?clientId="+c.clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial progress stream: %v", ErrEngineUnreachable, err)
	}

	s := &ProgressStream{
		conn:   conn,
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
	go s.readLoop(promptID)
	return s, nil
}

// History fetches the engine's record of a job: polling fallback and final
// reconciliation when the stream misses its terminal event.
func (c *Client) History(ctx context.Context, promptID string) (*History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("history failed (status %d): %s", resp.StatusCode, string(raw))
	}

	// Response shape: {<prompt_id>: {"outputs": {...}, "status": {...}}}.
	var envelope map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	entry, ok := envelope[promptID]
	if !ok {
		return nil, ErrJobNotFound
	}

	h := &History{
		Completed: entry.Status.Completed,
		Outputs:   make(map[string][]ArtifactRef),
	}
	if entry.Status.StatusStr == "error" {
		h.Error = entry.Status.errorMessage()
	}
	for nodeID, out := range entry.Outputs {
		refs := append([]ArtifactRef{}, out.Images...)
		refs = append(refs, out.Videos...)
		if len(refs) > 0 {
			h.Outputs[nodeID] = refs
		}
	}
	return h, nil
}

type historyEntry struct {
	Outputs map[string]historyNodeOutput `json:"outputs"`
	Status  historyStatus                `json:"status"`
}

type historyNodeOutput struct {
	Images []ArtifactRef `json:"images"`
	Videos []ArtifactRef `json:"videos"`
}

type historyStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// errorMessage digs the execution error text out of the status messages,
// falling back to a generic string.
func (s historyStatus) errorMessage() string {
	for _, raw := range s.Messages {
		// Each message is a [type, data] pair.
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(pair[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var data struct {
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(pair[1], &data); err == nil && data.ExceptionMessage != "" {
			return data.ExceptionMessage
		}
	}
	return "execution failed"
}

// DownloadArtifact fetches one produced file.
func (c *Client) DownloadArtifact(ctx context.Context, ref ArtifactRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build view request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ArtifactNotFoundError{Ref: ref}
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("view failed (status %d): %s", resp.StatusCode, string(raw))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact body: %w", err)
	}
	return data, nil
}

type uploadResponse struct {
	Name string `json:"name"`
}

// UploadImage uploads a local image into the engine's input directory and
// returns the name the engine stored it under, for use as a LoadImage input.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copy image: %w", err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", fmt.Errorf("write overwrite field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed (status %d): %s", resp.StatusCode, string(raw))
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return ur.Name, nil
}

// Interrupt asks the engine to stop the currently executing job. Best
// effort: a short timeout keeps an unresponsive engine from stalling
// cancellation, and the engine's own cleanup is not waited upon.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, interruptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("build interrupt request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("interrupt failed (status %d)", resp.StatusCode)
	}
	return nil
}
