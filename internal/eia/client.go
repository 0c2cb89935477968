// Package eia queries the EIA v2 electricity/rto/region-data endpoint.
package eia

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/fetcher"
	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/monitoring"
	"github.com/sells-group/grid-pipeline/internal/resilience"
)

// DefaultBaseURL is the hourly region-data endpoint.
const DefaultBaseURL = "https://api.eia.gov/v2/electricity/rto/region-data/data"

// MaxPageLength is the largest page the API returns for one request.
const MaxPageLength = 5000

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Respondents []string
	// PageLength is the number of rows requested per page. Defaults to
	// MaxPageLength.
	PageLength int
}

// Client builds region-data queries and decodes their responses.
type Client struct {
	getter fetcher.Getter
	opts   Options
}

// Response is one upstream reply: the verbatim body plus its decoded form.
// When the window spans several pages, Body is a single envelope holding
// every page's records in order.
type Response struct {
	Body    []byte
	Payload model.Payload
}

// Records returns the long-format records, or nil when the payload has no
// response section.
func (r *Response) Records() []model.MeasurementRecord {
	if r.Payload.Response == nil {
		return nil
	}
	return r.Payload.Response.Data
}

// NewClient creates a client that sends requests through getter.
func NewClient(getter fetcher.Getter, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if len(opts.Respondents) == 0 {
		opts.Respondents = []string{"ISNE"}
	}
	if opts.PageLength <= 0 || opts.PageLength > MaxPageLength {
		opts.PageLength = MaxPageLength
	}
	return &Client{getter: getter, opts: opts}
}

// QueryURL returns the request URL for the page of the hourly window
// [start, end) that begins at row offset.
func (c *Client) QueryURL(start, end time.Time, offset int) (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", eris.Wrapf(err, "eia: parse base url %q", c.opts.BaseURL)
	}

	q := u.Query()
	q.Set("api_key", c.opts.APIKey)
	q.Set("frequency", "hourly")
	q.Set("data[0]", "value")
	for _, r := range c.opts.Respondents {
		q.Add("facets[respondent][]", r)
	}
	q.Set("start", start.UTC().Format(model.PeriodLayout))
	q.Set("end", end.UTC().Format(model.PeriodLayout))
	q.Set("sort[0][column]", "period")
	q.Set("sort[0][direction]", "asc")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(c.opts.PageLength))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Fetch requests the window [start, end), following offset pages until
// response.total rows have been read. Each page is a single attempt; any
// failed page fails the whole fetch.
func (c *Client) Fetch(ctx context.Context, start, end time.Time) (*Response, error) {
	log := zap.L().With(
		zap.String("component", "eia"),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	var (
		pages [][]byte
		resp  *Response
	)
	for {
		offset := 0
		if resp != nil {
			offset = len(resp.Records())
		}
		body, page, err := c.fetchPage(ctx, start, end, offset)
		if err != nil {
			return nil, err
		}
		pages = append(pages, body)

		if resp == nil {
			resp = &Response{Body: body, Payload: *page}
		} else if page.Response != nil {
			resp.Payload.Response.Data = append(resp.Payload.Response.Data, page.Response.Data...)
			resp.Payload.Response.Warnings = append(resp.Payload.Response.Warnings, page.Response.Warnings...)
		}

		if page.Response == nil || len(page.Response.Data) == 0 {
			if len(pages) > 1 {
				pages = pages[:len(pages)-1]
			}
			break
		}
		if int(resp.Payload.Response.Total) <= len(resp.Records()) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "eia: fetch cancelled")
		}
	}

	if len(pages) > 1 {
		merged, err := mergePages(pages)
		if err != nil {
			return nil, err
		}
		resp.Body = merged
	}

	records := resp.Records()
	if resp.Payload.Response != nil {
		if total := int(resp.Payload.Response.Total); total > len(records) {
			log.Warn("eia: upstream returned fewer rows than its total",
				zap.Int("total", total),
				zap.Int("returned", len(records)),
			)
		}
		for _, w := range resp.Payload.Response.Warnings {
			log.Warn("eia: upstream warning", zap.String("warning", w.Warning), zap.String("description", w.Description))
		}
	}

	log.Info("eia: fetched region data",
		zap.Int("records", len(records)),
		zap.Int("pages", len(pages)),
		zap.Int("bytes", len(resp.Body)),
	)
	return resp, nil
}

func (c *Client) fetchPage(ctx context.Context, start, end time.Time, offset int) ([]byte, *model.Payload, error) {
	rawURL, err := c.QueryURL(start, end, offset)
	if err != nil {
		return nil, nil, err
	}

	body, err := c.getter.Get(ctx, rawURL)
	monitoring.ObserveUpstream(statusOf(err))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "eia: fetch region data at offset %d", offset)
	}

	var page model.Payload
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, nil, resilience.NewPermanentError(eris.Wrapf(err, "eia: decode response at offset %d", offset))
	}
	if page.Response != nil {
		monitoring.RecordsFetched.Add(float64(len(page.Response.Data)))
	}
	return body, &page, nil
}

// rawPage keeps each record's bytes as sent so a merged body stays faithful
// to the upstream rows.
type rawPage struct {
	Response struct {
		Total    model.FlexInt          `json:"total"`
		Data     []json.RawMessage      `json:"data"`
		Warnings []model.PayloadWarning `json:"warnings,omitempty"`
	} `json:"response"`
}

// mergePages joins the records of consecutive pages into one envelope. The
// total is taken from the first page.
func mergePages(pages [][]byte) ([]byte, error) {
	var merged rawPage
	for i, b := range pages {
		var p rawPage
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, resilience.NewPermanentError(eris.Wrapf(err, "eia: re-read page %d", i))
		}
		if i == 0 {
			merged.Response.Total = p.Response.Total
		}
		merged.Response.Data = append(merged.Response.Data, p.Response.Data...)
		merged.Response.Warnings = append(merged.Response.Warnings, p.Response.Warnings...)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, eris.Wrap(err, "eia: encode merged pages")
	}
	return out, nil
}

func statusOf(err error) int {
	if err == nil {
		return 200
	}
	return fetcher.StatusCode(err)
}
