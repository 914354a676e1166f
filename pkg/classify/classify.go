// Package classify decides whether an intercepted request is eligible for caching,
// and if so, which partition and strategy apply.
package classify

import (
	"net"
	"net/http"
	"path"
	"strings"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// Class is the resource class of a request.
type Class string

const (
	ClassStaticAsset   Class = "static-asset"
	ClassImage         Class = "image"
	ClassFont          Class = "font"
	ClassStyleOrScript Class = "style-or-script"
	ClassNavigation    Class = "navigation-document"
	ClassOther         Class = "other"
	ClassIneligible    Class = "ineligible"
)

// Strategy is the fetch strategy used for a request.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	PassThrough          Strategy = "pass-through"
)

// Partitions holds the current (versioned) partition names per store.
type Partitions struct {
	Static  string
	Images  string
	Dynamic string
}

// PartitionsFor returns the partition names for the given version tag.
func PartitionsFor(version string) Partitions {
	return Partitions{
		Static:  "static-" + version,
		Images:  "images-" + version,
		Dynamic: "dynamic-" + version,
	}
}

// Names returns all partition names.
func (p Partitions) Names() []string {
	return []string{p.Static, p.Images, p.Dynamic}
}

// Decision is the result of classifying a request.
type Decision struct {
	Eligible  bool
	Class     Class
	Partition string
	Strategy  Strategy
	// Whether the request is a page navigation.
	Navigation bool
	// Why the request is ineligible, empty for eligible requests.
	Reason string
}

var scriptOrStyleExtensions = map[string]struct{}{
	".css": {},
	".js":  {},
	".mjs": {},
}

// Router classifies requests. It is a pure function of the request.
type Router struct {
	Partitions Partitions
	// Paths starting with this prefix are never cached.
	APIPrefix string
	// Paths of the pre-warmed manifest, served cache-first from the static partition.
	// The root document is a page and is always fetched network-first.
	Manifest []string

	keyer    cachekey.CacheKeyer
	manifest map[string]struct{}
}

func NewRouter(partitions Partitions, apiPrefix string, manifest []string) Router {
	r := Router{
		Partitions: partitions,
		APIPrefix:  apiPrefix,
		Manifest:   manifest,
		keyer:      cachekey.NewCacheKeyer(),
		manifest:   make(map[string]struct{}, len(manifest)),
	}
	for _, p := range manifest {
		r.manifest[p] = struct{}{}
	}
	return r
}

func ineligible(reason string) Decision {
	return Decision{
		Class:    ClassIneligible,
		Strategy: PassThrough,
		Reason:   reason,
	}
}

// Classify applies the rules in priority order.
func (r Router) Classify(req *http.Request) Decision {
	u := r.keyer.RequestURL(req)

	if u.Scheme != "http" && u.Scheme != "https" {
		return ineligible("scheme")
	}
	if req.Header.Get("Range") != "" {
		return ineligible("range")
	}
	if req.Method != http.MethodGet {
		return ineligible("method")
	}
	if r.APIPrefix != "" && strings.HasPrefix(u.Path, r.APIPrefix) {
		return ineligible("api")
	}
	if u.Scheme != "https" && !IsLoopback(u.Hostname()) {
		return ineligible("insecure")
	}

	dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest"))
	navigation := strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")

	d := Decision{Eligible: true, Navigation: navigation}
	switch {
	case dest == "image":
		d.Class, d.Partition, d.Strategy = ClassImage, r.Partitions.Images, CacheFirst
	case dest == "font":
		d.Class, d.Partition, d.Strategy = ClassFont, r.Partitions.Static, CacheFirst
	case dest == "style" || dest == "script" || hasScriptOrStyleExtension(u.Path):
		d.Class, d.Partition, d.Strategy = ClassStyleOrScript, r.Partitions.Dynamic, StaleWhileRevalidate
	case dest == "document" || navigation:
		d.Class, d.Partition, d.Strategy = ClassNavigation, r.Partitions.Dynamic, NetworkFirst
	case r.inManifest(u.Path):
		d.Class, d.Partition, d.Strategy = ClassStaticAsset, r.Partitions.Static, CacheFirst
	default:
		d.Class, d.Partition, d.Strategy = ClassOther, r.Partitions.Dynamic, NetworkFirst
	}
	return d
}

func (r Router) inManifest(p string) bool {
	if p == "/" {
		return false
	}
	_, ok := r.manifest[p]
	return ok
}

func hasScriptOrStyleExtension(p string) bool {
	_, ok := scriptOrStyleExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

// IsLoopback reports whether the host name refers to the local machine.
func IsLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
