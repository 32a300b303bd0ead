package httpapi

import (
	"bufio"
	"bytes"
	stdcontext "context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/cliutil"
)

// Client talks to a running warden daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the daemon listening on addr. tlsCfg may be nil.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		scheme = "https"
		transport.TLSClientConfig = tlsCfg
	}
	return &Client{
		base: scheme + "://" + normalizeAddr(addr),
		http: &http.Client{Transport: transport},
	}
}

// RemoteError is a structured error returned by the daemon. It unwraps to the
// matching api sentinel so callers can use errors.Is.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

var codeErrors = map[string]error{
	"already_running": api.ErrAlreadyRunning,
	"not_running":     api.ErrNotRunning,
	"unknown_process": api.ErrUnknownProcess,
	"invalid_spec":    api.ErrInvalidSpec,
	"invalid_request": api.ErrInvalidRequest,
	"start_failed":    api.ErrStartFailed,
	"probe_failed":    api.ErrProbeFailed,
	"no_version":      api.ErrNoVersion,
	"kill_failed":     api.ErrKillFailed,
	"events_closed":   api.ErrEventsClosed,
}

// Launch asks the daemon to start a process.
func (c *Client) Launch(ctx stdcontext.Context, req api.LaunchRequest) (api.ProcessStatus, error) {
	var out api.ProcessStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/processes", req, &out)
	return out, err
}

// Terminate asks the daemon to kill a process tree.
func (c *Client) Terminate(ctx stdcontext.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/processes/"+url.PathEscape(id), nil, nil)
}

// Status reports whether id is running.
func (c *Client) Status(ctx stdcontext.Context, id string) (api.ProcessStatus, error) {
	var out api.ProcessStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/processes/"+url.PathEscape(id), nil, &out)
	return out, err
}

// List returns the running processes.
func (c *Client) List(ctx stdcontext.Context) (api.ProcessList, error) {
	var out api.ProcessList
	err := c.do(ctx, http.MethodGet, "/api/v1/processes", nil, &out)
	return out, err
}

// ProbeVersion runs the version probe on the daemon host.
func (c *Client) ProbeVersion(ctx stdcontext.Context, path string) (string, error) {
	var out api.VersionResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/version", api.VersionRequest{Path: path}, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Events streams records until ctx is cancelled, the daemon closes the
// stream or fn returns an error. An empty id follows every process. When
// follow is false and id is set, the stream ends after that process exits.
func (c *Client) Events(ctx stdcontext.Context, id string, follow bool, fn func(cliutil.LogRecord) error) error {
	query := url.Values{}
	if id != "" {
		query.Set("id", id)
	}
	if !follow {
		query.Set("follow", "false")
	}
	path := "/api/v1/events"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record cliutil.LogRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

func (c *Client) do(ctx stdcontext.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx stdcontext.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact warden at %s: %w", c.base, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeRemoteError(resp)
	}
	return resp, nil
}

func decodeRemoteError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return &RemoteError{Status: resp.StatusCode, Message: msg}
	}
	return &RemoteError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
}

// IsNotFound reports whether err means the daemon has no such process.
func IsNotFound(err error) bool {
	return errors.Is(err, api.ErrNotRunning) || errors.Is(err, api.ErrUnknownProcess)
}
