// Package fetcher performs rate-limited, single-attempt HTTP requests
// against upstream data APIs.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Getter fetches a URL and returns the full response body.
type Getter interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string // first bytes of the response body
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when the request never
// produced a response.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// redact strips query values that look like credentials so URLs can be
// logged and embedded in errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for _, k := range []string{"api_key", "apikey", "token"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// unwrapURLError drops the *url.Error wrapper, which repeats the unredacted
// URL in its message.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
