package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zjrosen/swserver/internal/serviceworker/api"
)

// daemonClient calls the daemon's HTTP API.
type daemonClient struct {
	base string
	http *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &daemonClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: api.DefaultJobTimeout + 5*time.Second},
	}
}

// clientFromConfig builds a client for daemon.addr (or --addr).
func clientFromConfig() (*daemonClient, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	return newDaemonClient(cfg.Daemon.Addr), nil
}

func (c *daemonClient) get(path string, query url.Values, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	resp, err := c.http.Get(target)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	return decodeResponse(resp, out)
}

func (c *daemonClient) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	return decodeResponse(resp, out)
}

func (c *daemonClient) send(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	return decodeResponse(resp, out)
}

// jobError is a job the daemon ran and the coordinator rejected.
type jobError struct {
	resp api.JobResponse
}

func (e *jobError) Error() string {
	if e.resp.Error == nil {
		return fmt.Sprintf("%s job %s", e.resp.Type, e.resp.Outcome)
	}
	return fmt.Sprintf("%s job rejected: %s", e.resp.Type, e.resp.Error.Error())
}

// runJob posts a job. Rejections come back as *jobError.
func (c *daemonClient) runJob(req api.JobRequest) (api.JobResponse, error) {
	var resp api.JobResponse
	err := c.post("/jobs", req, &resp)
	if err != nil {
		return resp, err
	}
	if resp.Error != nil {
		return resp, &jobError{resp: resp}
	}
	return resp, nil
}

// decodeResponse decodes a JSON body into out. Error responses become
// errors, except that job rejections (which carry a JobResponse) are decoded
// into out when it is a *api.JobResponse.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		if jr, ok := out.(*api.JobResponse); ok {
			if json.Unmarshal(data, jr) == nil && jr.Error != nil {
				return nil
			}
		}
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Details != "" {
				return fmt.Errorf("%s (%s): %s", apiErr.Error, apiErr.Code, apiErr.Details)
			}
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
