package main

import (
	"net"
	"net/url"
	"os"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/eviction"
	"github.com/always-cache/offline-cache/pkg/lifecycle"
)

type Config struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin"`
	// Hostname of the origin, for the Host header and TLS.
	Host string `yaml:"host"`
	// Public URL of the site, defaults to the listen address on localhost.
	Site        string          `yaml:"site"`
	Listen      string          `yaml:"listen"`
	DB          string          `yaml:"db"`
	Version     string          `yaml:"version"`
	APIPrefix   string          `yaml:"apiPrefix"`
	Manifest    []string        `yaml:"manifest"`
	Limits      eviction.Limits `yaml:"limits"`
	Prewarm     string          `yaml:"prewarm"`
	SkipWaiting bool            `yaml:"skipWaiting"`
	LogFile     string          `yaml:"logFile"`
}

func defaultConfig() Config {
	return Config{
		Listen:    ":8080",
		DB:        "cache.db",
		Version:   offlinecache.DefaultVersion,
		APIPrefix: offlinecache.DefaultAPIPrefix,
		Manifest:  offlinecache.DefaultManifest,
		Limits:    eviction.DefaultLimits,
		Prewarm:   string(lifecycle.PrewarmIndependent),
	}
}

// getConfig reads the config file on top of the defaults.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not read config file"),
			"file", filename)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "could not parse config file"),
			"file", filename)
	}
	return config, nil
}

// siteURL returns the configured site URL, or localhost at the listen port.
func (c Config) siteURL() (*url.URL, error) {
	site := c.Site
	if site == "" {
		host, port, err := net.SplitHostPort(c.Listen)
		if err != nil {
			return nil, platformerrors.WithContext(
				platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid listen address"),
				"listen", c.Listen)
		}
		if host == "" {
			host = "localhost"
		}
		site = "http://" + net.JoinHostPort(host, port)
	}
	return parseURL(site, "site")
}

func parseURL(rawURL, field string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err == nil && (u.Scheme == "" || u.Host == "") {
		err = platformerrors.New(platformerrors.CodeInvalidConfig, "URL must be absolute")
	}
	if err != nil {
		return nil, platformerrors.WithContextMap(
			platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid URL"),
			map[string]interface{}{
				"field": field,
				"url":   rawURL,
			})
	}
	return u, nil
}

// cacheConfig returns the library configuration. The provider and logger are left to the caller.
func (c Config) cacheConfig() (offlinecache.Config, error) {
	if c.Origin == "" {
		return offlinecache.Config{}, platformerrors.New(platformerrors.CodeInvalidConfig, "please specify origin")
	}
	origin, err := parseURL(c.Origin, "origin")
	if err != nil {
		return offlinecache.Config{}, err
	}
	site, err := c.siteURL()
	if err != nil {
		return offlinecache.Config{}, err
	}
	prewarm, err := lifecycle.ParsePrewarmPolicy(c.Prewarm)
	if err != nil {
		return offlinecache.Config{}, err
	}
	limits := c.Limits
	return offlinecache.Config{
		OriginURL:   *origin,
		OriginHost:  c.Host,
		SiteURL:     *site,
		Version:     c.Version,
		APIPrefix:   c.APIPrefix,
		Manifest:    c.Manifest,
		Limits:      &limits,
		Prewarm:     prewarm,
		SkipWaiting: c.SkipWaiting,
	}, nil
}
