package provider

import (
	"errors"
	"testing"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

func TestFactoryCreate(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	tests := []struct {
		kind    domain.ProviderKind
		wantErr bool
	}{
		{domain.ProviderIMAP, false},
		{domain.ProviderGmail, false},
		{domain.ProviderOutlook, false},
		{"pop3", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := f.Create(out.AdapterConfig{Provider: tt.kind})
			if tt.wantErr {
				if !errors.Is(err, domain.ErrUnknownProvider) {
					t.Fatalf("expected ErrUnknownProvider, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if p.Kind() != tt.kind {
				t.Errorf("Kind() = %s, want %s", p.Kind(), tt.kind)
			}
		})
	}
}

func TestFactoryKeepsGmailBreakerPerAccount(t *testing.T) {
	f := NewFactory(FactoryConfig{})
	gmailFor := func(accountID string) *GmailAdapter {
		p, err := f.Create(out.AdapterConfig{AccountID: accountID, Provider: domain.ProviderGmail})
		if err != nil {
			t.Fatal(err)
		}
		return p.(*GmailAdapter)
	}

	a1, a2, b := gmailFor("acc-a"), gmailFor("acc-a"), gmailFor("acc-b")
	if a1.breaker != a2.breaker {
		t.Error("runs of one account should share a breaker")
	}
	if a1.breaker == b.breaker {
		t.Error("accounts must not share a breaker")
	}
}
