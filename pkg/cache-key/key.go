package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = " "

// CacheKeyer creates request identities: the method and the absolute URL of a request.
// Requests received by a server carry relative URLs, in which case the URL is made
// absolute using the Host header and the protocol the request arrived with.
type CacheKeyer struct {
	// Scheme to assume for relative requests that did not arrive over TLS
	// and do not carry an `X-Forwarded-Proto` header. Defaults to http.
	DefaultScheme string
}

func NewCacheKeyer() CacheKeyer {
	return CacheKeyer{DefaultScheme: "http"}
}

// GetKey returns the identity of the request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.KeyFor(r.Method, c.RequestURL(r))
}

// KeyFor returns the identity for the given method and absolute URL.
func (c CacheKeyer) KeyFor(method string, u *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + normalize(u).String()
}

// RequestURL returns the absolute URL of the request.
// The returned URL is a copy and can be modified freely.
func (c CacheKeyer) RequestURL(r *http.Request) *url.URL {
	u := *r.URL
	if u.Scheme == "" {
		u.Scheme = c.scheme(r)
	}
	if u.Host == "" {
		u.Host = r.Host
	}
	return &u
}

func (c CacheKeyer) scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if c.DefaultScheme != "" {
		return c.DefaultScheme
	}
	return "http"
}

// GetRequestFromKey creates a request equal (identity-wise) to the one that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || uri == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}

func normalize(u *url.URL) *url.URL {
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" && n.Opaque == "" {
		n.Path = "/"
	}
	return &n
}
