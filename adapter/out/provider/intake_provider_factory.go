package provider

import (
	"fmt"
	"sync"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/resilience"
)

// =============================================================================
// Provider Factory
// =============================================================================

// FactoryConfig carries transport overrides shared by every adapter the
// factory builds.
type FactoryConfig struct {
	Gmail   GmailOptions
	Outlook OutlookOptions
}

// Factory maps a provider kind to its adapter. Gmail breakers are kept per
// account so one mailbox's outage never fails fast for another. A breaker
// set in FactoryConfig.Gmail overrides this and is shared.
type Factory struct {
	gmail   GmailOptions
	outlook OutlookOptions

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewFactory creates a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{
		gmail:    cfg.Gmail,
		outlook:  cfg.Outlook,
		breakers: make(map[string]*resilience.Breaker),
	}
}

// Create returns a fresh, unconnected adapter for cfg.
func (f *Factory) Create(cfg out.AdapterConfig) (out.MailProvider, error) {
	switch cfg.Provider {
	case domain.ProviderIMAP:
		return NewIMAPAdapter(cfg), nil
	case domain.ProviderGmail:
		opts := f.gmail
		if opts.Breaker == nil {
			opts.Breaker = f.gmailBreaker(cfg.AccountID)
		}
		return NewGmailAdapter(cfg, opts), nil
	case domain.ProviderOutlook:
		return NewOutlookAdapter(cfg, f.outlook), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, cfg.Provider)
	}
}

func (f *Factory) gmailBreaker(accountID string) *resilience.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[accountID]
	if !ok {
		b = resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api:"+accountID), breakerIgnores)
		f.breakers[accountID] = b
	}
	return b
}

var _ out.MailProviderFactory = (*Factory)(nil)
