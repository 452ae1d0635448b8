package filetransfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP downloads files over http and https. Uploads are not supported.
type HTTP struct {
	client *resty.Client
	now    func() time.Time
}

// NewHTTP creates an HTTP transfer. A zero timeout means 10 minutes.
func NewHTTP(timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	c := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &HTTP{client: c, now: time.Now}
}

// Schemes implements Transfer
func (h *HTTP) Schemes() []string { return []string{"http", "https"} }

// Validate implements Transfer
func (h *HTTP) Validate(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return wrap("validate", Scheme(uri), uri, fmt.Errorf("%w: %v", ErrInvalidURI, err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return wrap("validate", Scheme(uri), uri, fmt.Errorf("%w: not an http url", ErrInvalidURI))
	}
	return nil
}

// Get implements Transfer
func (h *HTTP) Get(ctx context.Context, uri, dst string) error {
	if err := h.Validate(uri); err != nil {
		return err
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(uri)
	if err != nil {
		return wrap("get", Scheme(uri), uri, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	body := resp.RawBody()
	defer body.Close()

	if err := statusError(resp.StatusCode()); err != nil {
		return wrap("get", Scheme(uri), uri, err)
	}
	err = writeAtomically(dst, func(f *os.File) error {
		_, err := io.Copy(f, body)
		return err
	})
	return wrap("get", Scheme(uri), uri, err)
}

// Put implements Transfer
func (h *HTTP) Put(_ context.Context, _, uri string) error {
	return wrap("put", Scheme(uri), uri, ErrUnsupported)
}

// LastModified implements Transfer. A response without a Last-Modified
// header counts as modified now.
func (h *HTTP) LastModified(ctx context.Context, uri string) (time.Time, error) {
	if err := h.Validate(uri); err != nil {
		return time.Time{}, err
	}
	resp, err := h.client.R().SetContext(ctx).Head(uri)
	if err != nil {
		return time.Time{}, wrap("stat", Scheme(uri), uri, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	if err := statusError(resp.StatusCode()); err != nil {
		return time.Time{}, wrap("stat", Scheme(uri), uri, err)
	}
	lm := resp.Header().Get("Last-Modified")
	if lm == "" {
		return h.now(), nil
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, wrap("stat", Scheme(uri), uri, fmt.Errorf("bad Last-Modified %q: %w", lm, err))
	}
	return t, nil
}

func statusError(code int) error {
	switch {
	case code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrNotFound, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAccessDenied, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
