package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDimensionMismatch is returned when a model answers with a vector of the
// wrong size. It is a configuration error and is never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StatusError is a non-2xx answer from the embedding endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding endpoint returned %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err is a configuration problem that retrying
// cannot fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrDimensionMismatch) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
	}
	return false
}

// HTTPProvider calls an OpenAI-compatible /v1/embeddings endpoint.
type HTTPProvider struct {
	baseURL    string
	model      string
	apiKey     string
	dimensions int
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for baseURL.
func NewHTTPProvider(baseURL, model, apiKey string, dimensions int) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		apiKey:     apiKey,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed requests the vector of a single text.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = " "
	}

	body, err := json.Marshal(embeddingsRequest{Model: p.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, errors.New("embeddings response has no data")
	}

	raw := out.Data[0].Embedding
	if len(raw) != p.dimensions {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, p.dimensions, len(raw))
	}
	vec := make([]float32, len(raw))
	for i, f := range raw {
		vec[i] = float32(f)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (p *HTTPProvider) Dimensions() int {
	return p.dimensions
}
