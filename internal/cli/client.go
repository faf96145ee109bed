package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/emily-flambe/orca-sub000/internal/events"
)

// daemonClient talks to a running orchestrator's HTTP API.
type daemonClient struct {
	baseURL string
	http    *http.Client
}

func newDaemonClient() *daemonClient {
	return &daemonClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", viper.GetInt("port")),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// taskJSON mirrors the API's task shape; only the fields the CLI shows.
type taskJSON struct {
	IssueID    string `json:"issueId"`
	Title      string `json:"title"`
	Phase      string `json:"phase"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retryCount"`
	PRNumber   int    `json:"prNumber"`
}

func (c *daemonClient) status(ctx context.Context) (*events.StatusUpdate, error) {
	var out events.StatusUpdate
	if err := c.get(ctx, "/api/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *daemonClient) tasks(ctx context.Context) ([]taskJSON, error) {
	var out struct {
		Tasks []taskJSON `json:"tasks"`
	}
	if err := c.get(ctx, "/api/tasks", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *daemonClient) sync(ctx context.Context) (*events.SyncResult, error) {
	var out events.SyncResult
	if err := c.post(ctx, "/api/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *daemonClient) setPhase(ctx context.Context, issueID, phase string) error {
	body := map[string]string{"status": phase}
	return c.post(ctx, "/api/tasks/"+issueID+"/status", body, nil)
}

func (c *daemonClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *daemonClient) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *daemonClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the orchestrator running? %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
