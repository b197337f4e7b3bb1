// Package comboval is a Go SDK for the comboval report API.
package comboval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"comboval/internal/domain"
	"comboval/internal/store"
)

// Report is one combination's evaluation report.
type Report = domain.ComboReport

// Run is the metadata of one evaluation run.
type Run = store.RunInfo

// ErrNotFound is returned when the server has no matching run or report.
var ErrNotFound = errors.New("comboval: not found")

// ReportFilter narrows ListReports. Zero values are omitted.
type ReportFilter struct {
	RunID     string
	ComboType string
	MinUsed   int
	OrderBy   string
	Limit     int
}

// Client provides a Go SDK for interacting with the comboval API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new comboval API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListRuns retrieves the most recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var runs []Run
	if err := c.get(ctx, "/api/runs", v, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListReports retrieves reports matching f, best first.
func (c *Client) ListReports(ctx context.Context, f ReportFilter) ([]Report, error) {
	v := url.Values{}
	if f.RunID != "" {
		v.Set("run", f.RunID)
	}
	if f.ComboType != "" {
		v.Set("type", f.ComboType)
	}
	if f.MinUsed > 0 {
		v.Set("min_used", strconv.Itoa(f.MinUsed))
	}
	if f.OrderBy != "" {
		v.Set("order", f.OrderBy)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	var reports []Report
	if err := c.get(ctx, "/api/reports", v, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// GetReport retrieves one report. An empty runID selects the latest run.
func (c *Client) GetReport(ctx context.Context, runID, comboType, comboName string) (*Report, error) {
	v := url.Values{}
	if runID != "" {
		v.Set("run", runID)
	}
	path := "/api/reports/" + url.PathEscape(comboType) + "/" + url.PathEscape(comboName)
	var rep Report
	if err := c.get(ctx, path, v, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
