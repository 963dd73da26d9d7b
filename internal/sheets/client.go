// Package sheets is a resty client for the spreadsheet used as the
// user-facing special-charging task list (§6 "Spreadsheet row" schema).
// Uses the same narrow-client shape as internal/pricing and the
// github_workflow_collector HTTP client.
package sheets

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/log"
)

// Row is a raw spreadsheet row as returned by the collaborator, 1-based
// (header = row 1).
type Row struct {
	RowNumber   int    `json:"row_number"`
	Status      string `json:"Status"`
	Data        string `json:"Data"`
	Godzina     string `json:"Godzina"`
	TargetPct   string `json:"Docelowy %"`
	Description string `json:"Description,omitempty"`
}

// Need is a parsed, validated special-charging request (§4.8 step 2).
type Need struct {
	RowNumber      int
	TargetPercent  int
	TargetDatetime time.Time
	Description    string
}

// Client reads rows from the spreadsheet collaborator.
type Client struct {
	http *resty.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// FetchRows returns every row currently on the sheet.
func (c *Client) FetchRows(ctx context.Context) ([]Row, error) {
	var rows []Row
	resp, err := c.http.R().SetContext(ctx).SetResult(&rows).Get("/api/rows")
	if err != nil {
		return nil, fmt.Errorf("fetch sheet rows: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch sheet rows: status %d", resp.StatusCode())
	}
	return rows, nil
}

// FetchActiveNeeds fetches rows and filters+parses them into Needs per
// §4.8 step 2: status ACTIVE, a parseable future local date+time, and a
// target percent in [50,100]. Malformed rows are skipped with a warning,
// not surfaced as an error.
func (c *Client) FetchActiveNeeds(ctx context.Context, loc *time.Location, now time.Time) ([]Need, error) {
	rows, err := c.FetchRows(ctx)
	if err != nil {
		return nil, err
	}

	var needs []Need
	for _, row := range rows {
		if row.Status != "ACTIVE" {
			continue
		}
		need, err := parseRow(row, loc)
		if err != nil {
			log.WarnfCtx(ctx, "skipping malformed sheet row %d: %v", row.RowNumber, err)
			continue
		}
		if !need.TargetDatetime.After(now) {
			log.WarnfCtx(ctx, "skipping sheet row %d: target datetime %s is not in the future", row.RowNumber, need.TargetDatetime)
			continue
		}
		needs = append(needs, need)
	}
	return needs, nil
}

func parseRow(row Row, loc *time.Location) (Need, error) {
	pct, err := strconv.Atoi(row.TargetPct)
	if err != nil {
		return Need{}, fmt.Errorf("%w: target percent %q: %v", errs.ErrSheetRowMalformed, row.TargetPct, err)
	}
	if pct < 50 || pct > 100 {
		return Need{}, fmt.Errorf("%w: target percent %d out of range [50,100]", errs.ErrSheetRowMalformed, pct)
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04", row.Data+" "+row.Godzina, loc)
	if err != nil {
		return Need{}, fmt.Errorf("%w: date/time %q %q: %v", errs.ErrSheetRowMalformed, row.Data, row.Godzina, err)
	}
	return Need{
		RowNumber:      row.RowNumber,
		TargetPercent:  pct,
		TargetDatetime: ts,
		Description:    row.Description,
	}, nil
}
