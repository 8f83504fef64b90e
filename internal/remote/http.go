package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// HTTPAgent POSTs each invocation to an endpoint.
type HTTPAgent struct {
	spec   Spec
	client *http.Client
}

// NewHTTPAgent validates the endpoint and returns the agent.
func NewHTTPAgent(spec Spec) (*HTTPAgent, error) {
	u, err := url.ParseRequestURI(spec.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "remote agent %s: invalid url %q", spec.ID, spec.URL)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultTimeout
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = defaultMaxOutput
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPAgent{spec: spec, client: &http.Client{Transport: transport}}, nil
}

func (a *HTTPAgent) ID() string { return a.spec.ID }

func (a *HTTPAgent) Name() string {
	if a.spec.Name == "" {
		return a.spec.ID
	}
	return a.spec.Name
}

// Invoke sends the task and decodes the reply. Status codes of 400 and
// above are AGENT_ERROR with the body in the details.
func (a *HTTPAgent) Invoke(ctx context.Context, task any, opts agent.Options) (*agent.Outcome, error) {
	body, err := encodeRequest(a.spec.ID, task, opts)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.spec.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: failed to create request", a.spec.ID).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range a.spec.Headers {
		req.Header.Set(k, v)
	}
	if a.spec.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.spec.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: request failed: %v", a.spec.ID, err).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, a.spec.MaxOutput))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: failed to read response body", a.spec.ID).WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: endpoint returned %d", a.spec.ID, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(respBody)})
	}

	out, err := decodeReply(respBody)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAgent, fmt.Sprintf("agent %s: %v", a.spec.ID, err)).WithCause(err)
	}
	return out, nil
}

var _ agent.Agent = (*HTTPAgent)(nil)
