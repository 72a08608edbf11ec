package preview

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"
)

// Document is a checked file plus the contents of everything it includes,
// keyed by patch path.
type Document struct {
	Path     string
	Body     []byte
	Includes map[string][]byte
}

// Renderer turns a checked document into HTML.
type Renderer interface {
	Render(ctx context.Context, doc Document) (string, error)
}

// PlainRenderer shows the escaped source. It is used when no render service
// is configured.
type PlainRenderer struct{}

func (PlainRenderer) Render(_ context.Context, doc Document) (string, error) {
	return "<pre>" + html.EscapeString(string(doc.Body)) + "</pre>", nil
}

// HTTPRenderer posts documents to an external render service.
type HTTPRenderer struct {
	URL    string
	Client *http.Client
}

func NewHTTPRenderer(url string) *HTTPRenderer {
	return &HTTPRenderer{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

type renderRequest struct {
	Path     string            `json:"path"`
	Body     string            `json:"body"`
	Includes map[string]string `json:"includes"`
}

type renderResponse struct {
	HTML  string `json:"html"`
	Error string `json:"error"`
}

// Render returns the service's HTML. A rendering failure reported by the
// service becomes a *StructuralError for doc.Path.
func (r *HTTPRenderer) Render(ctx context.Context, doc Document) (string, error) {
	payload := renderRequest{Path: doc.Path, Body: string(doc.Body), Includes: make(map[string]string, len(doc.Includes))}
	for p, b := range doc.Includes {
		payload.Includes[p] = string(b)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("render service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read render response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("render service: status %d", resp.StatusCode)
	}
	var out renderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode render response: %w", err)
	}
	if out.Error != "" {
		return "", &StructuralError{Path: doc.Path, Err: errors.New(out.Error)}
	}
	return out.HTML, nil
}
