package inference

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// CredentialSource obtains the credential used to talk to the service.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (string, error)
}

// HTTPCredentialSource fetches the credential with a GET request. A non-2xx
// status or an empty body is a failure.
type HTTPCredentialSource struct {
	Endpoint string
	Client   *http.Client
}

var _ CredentialSource = (*HTTPCredentialSource)(nil)

func (h *HTTPCredentialSource) FetchCredential(ctx context.Context) (string, error) {
	if h.Endpoint == "" {
		return "", &ExternalError{Op: "credential", Err: errors.New("no credential endpoint configured")}
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint, nil)
	if err != nil {
		return "", &ExternalError{Op: "credential", Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &ExternalError{Op: "credential", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ExternalError{Op: "credential", Err: errors.Errorf("endpoint returned %s", resp.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", &ExternalError{Op: "credential", Err: err}
	}
	credential := strings.TrimSpace(string(body))
	if credential == "" {
		return "", &ExternalError{Op: "credential", Err: errors.New("endpoint returned an empty credential")}
	}
	return credential, nil
}

type CredentialSourceFunc func(ctx context.Context) (string, error)

func (f CredentialSourceFunc) FetchCredential(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticCredentialSource always returns the same credential.
type StaticCredentialSource string

func (s StaticCredentialSource) FetchCredential(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", &ExternalError{Op: "credential", Err: errors.New("empty static credential")}
	}
	return strings.TrimSpace(string(s)), nil
}

// EnvCredentialSource reads the first non-empty of the named environment
// variables.
type EnvCredentialSource struct {
	Names []string
}

func (e EnvCredentialSource) FetchCredential(context.Context) (string, error) {
	for _, name := range e.Names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}
	return "", &ExternalError{
		Op:  "credential",
		Err: errors.Errorf("none of %s is set", strings.Join(e.Names, ", ")),
	}
}

// ChainCredentialSource tries each source in order and returns the first
// credential obtained.
type ChainCredentialSource []CredentialSource

func (c ChainCredentialSource) FetchCredential(ctx context.Context) (string, error) {
	var lastErr error = &ExternalError{Op: "credential", Err: errors.New("no credential source")}
	for _, s := range c {
		v, err := s.FetchCredential(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// CredentialCache keeps the credential for the lifetime of the process.
type CredentialCache struct {
	mu    sync.RWMutex
	value string
}

func (c *CredentialCache) Get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.value != ""
}

func (c *CredentialCache) Set(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = strings.TrimSpace(v)
}

func (c *CredentialCache) Clear() {
	c.Set("")
}
