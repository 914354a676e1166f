// Package network provides the ways the cache reaches the network:
// a round tripper, a fixed origin server, or an http.Handler standing in for one.
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"

	platformerrors "github.com/jmgilman/go/errors"

	recorder "github.com/always-cache/offline-cache/pkg/response-recorder"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Fetcher performs a network request.
// A returned error means the network is unavailable for this request;
// any response, whatever its status code, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// TransportFetcher sends requests as they are with a round tripper.
type TransportFetcher struct {
	// Transport to use, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

func (f TransportFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	transport := f.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	res, err := transport.RoundTrip(ForwardRequest(ctx, r))
	if err != nil {
		return nil, wrapError(err, r)
	}
	return res, nil
}

// OriginFetcher sends requests to a fixed origin server, i.e. reverse proxy mode.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	client     *http.Client
}

// NewOriginFetcher creates a fetcher for the origin.
// The host is used for the Host header and TLS negotiation if not empty,
// use it e.g. if the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: originHost,
		client: &http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if originHost != "" {
		f.client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.originURL.Scheme + "://" + f.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, wrapError(err, r)
	}
	copyHeader(req.Header, ForwardRequest(ctx, r).Header)
	req.ContentLength = r.ContentLength
	if f.originHost != "" {
		req.Host = f.originHost
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, wrapError(err, r)
	}
	return res, nil
}

// HandlerFetcher uses an http.Handler as the network, i.e. middleware mode.
// A panicking handler is treated as a network failure.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = wrapError(fmt.Errorf("handler panic: %v", p), r)
		}
	}()
	req := r.WithContext(ctx)
	rw := recorder.NewResponseSaver()
	f.Handler.ServeHTTP(rw, req)
	if err := ctx.Err(); err != nil {
		return nil, wrapError(err, r)
	}
	return rw.Response(req), nil
}

// ForwardRequest clones the request without the hop-by-hop header fields.
func ForwardRequest(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	for _, name := range serializer.GetListHeader(req.Header, "Connection") {
		req.Header.Del(name)
	}
	for _, name := range []string{"Connection", "Proxy-Connection", "Keep-Alive", "TE", "Transfer-Encoding", "Upgrade"} {
		req.Header.Del(name)
	}
	return req
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

func wrapError(err error, r *http.Request) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeNetwork, "fetch failed"),
		"url", r.URL.String())
}
