// Package rfc9211 implements the Cache-Status HTTP response header field.
// See https://www.rfc-editor.org/rfc/rfc9211
package rfc9211

import (
	"strconv"
	"strings"
)

// CacheName is the cache identifier used as the first list member.
const CacheName = "Offline-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// FwdReason is the value of the `fwd` parameter.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used.
	FwdReasonMiss FwdReason = "miss"
	// The cache was configured to contact the origin first.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus describes how a response was produced.
// The zero value is an empty status, use Hit or Forward to set it.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Status code of the forwarded request, 0 if unknown.
	FwdStatus int
	// Whether the response was stored.
	Stored bool
	// Implementation-specific detail, e.g. why a fallback was used.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field value.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else if cs.Status == StatusFwd {
		b.WriteString("; fwd=")
		if cs.FwdReason != "" {
			b.WriteString(string(cs.FwdReason))
		} else {
			b.WriteString(string(FwdReasonMiss))
		}
		if cs.FwdStatus != 0 {
			b.WriteString("; fwd-status=")
			b.WriteString(strconv.Itoa(cs.FwdStatus))
		}
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.Detail)
	}
	return b.String()
}
