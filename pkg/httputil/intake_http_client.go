// Package httputil holds the pooled HTTP clients used for provider and model calls.
package httputil

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// =============================================================================
// Pooled Clients
// =============================================================================

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration

	KeepAliveInterval time.Duration
}

// DefaultClientConfig returns the general purpose configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GmailClientConfig allows the fan-out of a detail batch to share warm connections.
func GmailClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConnsPerHost = 50
	cfg.IdleConnTimeout = 120 * time.Second
	cfg.ResponseTimeout = 60 * time.Second
	return cfg
}

// GraphClientConfig is more conservative; Graph throttles per mailbox.
func GraphClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConns = 50
	cfg.MaxConnsPerHost = 50
	cfg.ResponseTimeout = 45 * time.Second
	return cfg
}

// ModelClientConfig has a long response timeout for completions.
func ModelClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConns = 30
	cfg.MaxConnsPerHost = 30
	cfg.IdleConnTimeout = 120 * time.Second
	cfg.ResponseTimeout = 120 * time.Second
	return cfg
}

// NewClient creates a client with its own pooled transport.
func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

var (
	gmailOnce, graphOnce, modelOnce       sync.Once
	gmailClient, graphClient, modelClient *http.Client
)

// GmailClient returns the shared client for the Gmail API.
func GmailClient() *http.Client {
	gmailOnce.Do(func() { gmailClient = NewClient(GmailClientConfig()) })
	return gmailClient
}

// GraphClient returns the shared client for Microsoft Graph.
func GraphClient() *http.Client {
	graphOnce.Do(func() { graphClient = NewClient(GraphClientConfig()) })
	return graphClient
}

// ModelClient returns the shared client for the classification model API.
func ModelClient() *http.Client {
	modelOnce.Do(func() { modelClient = NewClient(ModelClientConfig()) })
	return modelClient
}

// WithBaseClient makes oauth2 token sources and clients built from ctx
// send their requests through base.
func WithBaseClient(ctx context.Context, base *http.Client) context.Context {
	if base == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, base)
}
