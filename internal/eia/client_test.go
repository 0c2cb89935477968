package eia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/grid-pipeline/internal/fetcher"
	"github.com/sells-group/grid-pipeline/internal/model"
	"github.com/sells-group/grid-pipeline/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubGetter struct {
	body []byte
	err  error
	urls []string
}

func (s *stubGetter) Get(_ context.Context, rawURL string) ([]byte, error) {
	s.urls = append(s.urls, rawURL)
	return s.body, s.err
}

var (
	windowStart = time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 5, 1, 5, 0, 0, 0, time.UTC)
)

func TestQueryURL(t *testing.T) {
	c := NewClient(nil, Options{
		BaseURL:     "https://api.example.test/v2/electricity/rto/region-data/data",
		APIKey:      "k3y",
		Respondents: []string{"ISNE", "PJM"},
	})

	raw, err := c.QueryURL(windowStart, windowEnd, 0)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "api.example.test", u.Host)
	assert.Equal(t, "/v2/electricity/rto/region-data/data", u.Path)

	q := u.Query()
	assert.Equal(t, "k3y", q.Get("api_key"))
	assert.Equal(t, "hourly", q.Get("frequency"))
	assert.Equal(t, "value", q.Get("data[0]"))
	assert.Equal(t, []string{"ISNE", "PJM"}, q["facets[respondent][]"])
	assert.Equal(t, "2024-05-01T03", q.Get("start"))
	assert.Equal(t, "2024-05-01T05", q.Get("end"))
	assert.Equal(t, "period", q.Get("sort[0][column]"))
	assert.Equal(t, "asc", q.Get("sort[0][direction]"))
	assert.Equal(t, "0", q.Get("offset"))
	assert.Equal(t, "5000", q.Get("length"))
}

func TestQueryURL_PageLength(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want string
	}{
		{"default", 0, "5000"},
		{"custom", 250, "250"},
		{"capped", 20000, "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(nil, Options{APIKey: "k", PageLength: tt.in})
			raw, err := c.QueryURL(windowStart, windowEnd, 7)
			require.NoError(t, err)
			u, err := url.Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Query().Get("length"))
			assert.Equal(t, "7", u.Query().Get("offset"))
		})
	}
}

func TestQueryURL_Defaults(t *testing.T) {
	c := NewClient(nil, Options{APIKey: "k"})
	raw, err := c.QueryURL(windowStart, windowEnd, 0)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "api.eia.gov", u.Host)
	assert.Equal(t, []string{"ISNE"}, u.Query()["facets[respondent][]"])
}

func TestQueryURL_ConvertsToUTC(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	c := NewClient(nil, Options{APIKey: "k"})
	raw, err := c.QueryURL(windowStart.In(est), windowEnd.In(est), 0)
	require.NoError(t, err)

	u, _ := url.Parse(raw)
	assert.Equal(t, "2024-05-01T03", u.Query().Get("start"))
}

func TestFetch_DecodesAndKeepsVerbatimBody(t *testing.T) {
	body := []byte(`{"response":{"total":"2","data":[
		{"period":"2024-05-01T03","respondent":"ISNE","respondent-name":"ISO New England","type":"D","value":"10","value-units":"megawatthours"},
		{"period":"2024-05-01T03","respondent":"ISNE","respondent-name":"ISO New England","type":"NG","value":20,"value-units":"megawatthours"}
	]}}`)
	g := &stubGetter{body: body}

	resp, err := NewClient(g, Options{APIKey: "k"}).Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, body, resp.Body)
	recs := resp.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, int64(10), int64(*recs[0].Value))
	assert.Equal(t, int64(20), int64(*recs[1].Value))
	require.Len(t, g.urls, 1)
}

func TestFetch_EmptyData(t *testing.T) {
	g := &stubGetter{body: []byte(`{"response":{"total":0,"data":[]}}`)}
	resp, err := NewClient(g, Options{APIKey: "k"}).Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Empty(t, resp.Records())
}

func TestFetch_MissingResponseSection(t *testing.T) {
	g := &stubGetter{body: []byte(`{"request":{}}`)}
	resp, err := NewClient(g, Options{APIKey: "k"}).Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Nil(t, resp.Records())
}

func TestFetch_InvalidJSONIsPermanent(t *testing.T) {
	g := &stubGetter{body: []byte(`<html>gateway</html>`)}
	_, err := NewClient(g, Options{APIKey: "k"}).Fetch(context.Background(), windowStart, windowEnd)
	require.Error(t, err)
	assert.Equal(t, resilience.ClassPermanent, resilience.Classify(err))
}

func TestFetch_UpstreamErrorPropagates(t *testing.T) {
	upstream := resilience.NewTransientError(&fetcher.StatusError{StatusCode: 503}, 503)
	g := &stubGetter{err: upstream}

	_, err := NewClient(g, Options{APIKey: "k"}).Fetch(context.Background(), windowStart, windowEnd)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 503, fetcher.StatusCode(err))
}

func TestFetch_AgainstHTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2024-05-01T03", r.URL.Query().Get("start"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":{"total":1,"data":[{"period":"2024-05-01T03","respondent":"ISNE","type":"D","value":5}]}}`))
	}))
	defer srv.Close()

	c := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second}), Options{
		BaseURL: srv.URL + "/v2/electricity/rto/region-data/data",
		APIKey:  "k",
	})
	resp, err := c.Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Len(t, resp.Records(), 1)
}

// pagedServer serves total records, length rows at a time, honouring the
// offset and length query parameters.
func pagedServer(t *testing.T, total int, requests *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		*requests = append(*requests, q.Get("offset"))
		offset, err := strconv.Atoi(q.Get("offset"))
		require.NoError(t, err)
		length, err := strconv.Atoi(q.Get("length"))
		require.NoError(t, err)

		var rows []string
		for i := offset; i < total && i < offset+length; i++ {
			hour := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
			rows = append(rows, fmt.Sprintf(
				`{"period":%q,"respondent":"ISNE","type":"D","value":%d}`,
				hour.Format("2006-01-02T15"), i))
		}
		fmt.Fprintf(w, `{"response":{"total":%d,"data":[%s]}}`, total, strings.Join(rows, ","))
	}))
}

func TestFetch_FollowsPagesUntilTotal(t *testing.T) {
	var offsets []string
	srv := pagedServer(t, 5, &offsets)
	defer srv.Close()

	c := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second, RateLimit: 100, Burst: 10}), Options{
		BaseURL:    srv.URL,
		APIKey:     "k",
		PageLength: 2,
	})
	resp, err := c.Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "2", "4"}, offsets)
	recs := resp.Records()
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, int64(i), int64(*r.Value), "records keep upstream order")
	}

	// The merged body decodes to the same records the caller sees.
	var merged struct {
		Response struct {
			Total int               `json:"total"`
			Data  []json.RawMessage `json:"data"`
		} `json:"response"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &merged))
	assert.Equal(t, 5, merged.Response.Total)
	assert.Len(t, merged.Response.Data, 5)
}

func TestFetch_SinglePageKeepsVerbatimBody(t *testing.T) {
	var offsets []string
	srv := pagedServer(t, 3, &offsets)
	defer srv.Close()

	c := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second}), Options{
		BaseURL: srv.URL,
		APIKey:  "k",
	})
	resp, err := c.Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, offsets)
	assert.Len(t, resp.Records(), 3)
}

func TestFetch_StopsWhenPageComesBackEmpty(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("offset") == "0" {
			w.Write([]byte(`{"response":{"total":10,"data":[{"period":"2024-05-01T03","respondent":"ISNE","type":"D","value":1}]}}`))
			return
		}
		w.Write([]byte(`{"response":{"total":10,"data":[]}}`))
	}))
	defer srv.Close()

	c := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second, RateLimit: 100, Burst: 10}), Options{
		BaseURL: srv.URL,
		APIKey:  "k",
	})
	resp, err := c.Fetch(context.Background(), windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, resp.Records(), 1)
	assert.Equal(t, model.FlexInt(10), resp.Payload.Response.Total, "short read is visible to the caller")
}

func TestFetch_FailedPageFailsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "0" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"response":{"total":3,"data":[{"period":"2024-05-01T03","respondent":"ISNE","type":"D","value":1}]}}`))
	}))
	defer srv.Close()

	c := NewClient(fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: 5 * time.Second, RateLimit: 100, Burst: 10}), Options{
		BaseURL:    srv.URL,
		APIKey:     "k",
		PageLength: 1,
	})
	_, err := c.Fetch(context.Background(), windowStart, windowEnd)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "offset 1")
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 200, statusOf(nil))
	assert.Equal(t, 0, statusOf(errors.New("dial tcp: connection refused")))
}
