package httputil

import (
	"context"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestSharedClientsAreReused(t *testing.T) {
	if GmailClient() != GmailClient() {
		t.Error("GmailClient should be a singleton")
	}
	if GraphClient() == GmailClient() {
		t.Error("Graph and Gmail must not share a pool")
	}
	if ModelClient().Timeout != 120*time.Second {
		t.Errorf("model timeout = %v", ModelClient().Timeout)
	}
}

func TestNewClientAppliesConfig(t *testing.T) {
	cfg := GmailClientConfig()
	c := NewClient(cfg)

	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", c.Transport)
	}
	if tr.MaxIdleConnsPerHost != 50 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 50", tr.MaxIdleConnsPerHost)
	}
	if c.Timeout != cfg.ResponseTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, cfg.ResponseTimeout)
	}
}

func TestWithBaseClient(t *testing.T) {
	base := &http.Client{}
	ctx := WithBaseClient(context.Background(), base)
	if got, _ := ctx.Value(oauth2.HTTPClient).(*http.Client); got != base {
		t.Error("base client not attached")
	}
	if WithBaseClient(context.Background(), nil).Value(oauth2.HTTPClient) != nil {
		t.Error("nil base should leave ctx untouched")
	}
}
