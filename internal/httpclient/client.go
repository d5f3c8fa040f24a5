// Package httpclient provides the shared HTTP client used for catalog
// queries, object-store transfers, and metadata probes.
package httpclient

import (
	"net/http"
	"net/url"
	"time"

	"github.com/caravel-data/caravel/errors"
)

const (
	// DefaultTimeout bounds a single request, including body transfer.
	// Large object transfers override this with per-transfer contexts.
	DefaultTimeout = 10 * time.Minute

	defaultMaxRedirects = 10
)

// Options configures a Client.
type Options struct {
	// Timeout for the whole request. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRedirects caps redirect chains. Zero means the default of 10.
	MaxRedirects int
	// AllowedSchemes restricts request URL schemes. Nil means http/https.
	AllowedSchemes []string
}

// New returns an *http.Client with caravel's transport defaults: connection
// reuse for repeated catalog calls, a bounded redirect chain, and scheme
// validation on redirects.
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}
	schemes := opts.AllowedSchemes
	if schemes == nil {
		schemes = []string{"http", "https"}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Newf("stopped after %d redirects", maxRedirects)
			}
			if err := ValidateScheme(req.URL, schemes); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
			return nil
		},
	}
}

// Default returns a client with default options.
func Default() *http.Client {
	return New(Options{})
}

// ValidateScheme rejects URLs whose scheme is not in the allowed set.
func ValidateScheme(u *url.URL, allowed []string) error {
	for _, s := range allowed {
		if u.Scheme == s {
			return nil
		}
	}
	return errors.Newf("URL scheme %q not allowed", u.Scheme)
}
