package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider is one upstream LLM endpoint. Ready and Acquire expose the
// breaker so the dispatcher can route around open circuits.
type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Complete(ctx context.Context, prompt string) (string, error)
}

type completionRequest struct {
	Prompt string `json:"prompt"`
}

type completionResponse struct {
	Result string `json:"result"`
}

type HTTPProvider struct {
	name         string
	baseURL      string
	completePath string
	client       *http.Client
	br           *MicroBreaker
}

func NewHTTPProvider(
	name, baseURL, completePath string,
	timeoutMs, failThreshold, openForMs int,
) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPProvider{
		name:         name,
		baseURL:      baseURL,
		completePath: completePath,
		client:       &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:           NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *HTTPProvider) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := p.post(ctx, p.completePath, prompt)
	if err != nil {
		p.br.OnFailure()
		return "", err
	}

	p.br.OnSuccess()

	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, path, prompt string) (string, error) {
	b, _ := json.Marshal(completionRequest{Prompt: prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return "", err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("provider=%s path=%s status=%d", p.name, path, res.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider=%s decode response: %w", p.name, err)
	}

	// An empty completion is a provider fault; callers release the hold and
	// charge nothing.
	if out.Result == "" {
		return "", fmt.Errorf("provider=%s empty result", p.name)
	}

	return out.Result, nil
}
