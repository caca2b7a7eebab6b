package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind is the persisted discriminator that selects a mail adapter.
type ProviderKind string

const (
	ProviderIMAP    ProviderKind = "imap"
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderIMAP, ProviderGmail, ProviderOutlook:
		return true
	}
	return false
}

// IsOAuth reports whether the provider authenticates with a refresh token.
func (k ProviderKind) IsOAuth() bool {
	return k == ProviderGmail || k == ProviderOutlook
}

// EmailAccount is a mailbox the service ingests from.
// Credentials are only ever stored sealed by the vault.
type EmailAccount struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Provider             ProviderKind `json:"provider"`
	EmailAddress         string       `json:"email_address"`
	EncryptedCredentials string       `json:"-"`
	RedirectURI          *string      `json:"redirect_uri,omitempty"`
	IsActive             bool         `json:"is_active"`
	LastIngestedAt       *time.Time   `json:"last_ingested_at,omitempty"`
	LastIngestedCount    int          `json:"last_ingested_count"`
	OwnerID              string       `json:"owner_id"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Credentials is the decrypted payload. Which fields are required depends
// on the provider kind, see Validate.
type Credentials struct {
	// IMAP
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	TLS      *bool  `json:"tls,omitempty"`

	// OAuth (Gmail, Outlook)
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	TenantID     string `json:"tenantId,omitempty"`
}

// UseTLS defaults to implicit TLS when the flag is absent.
func (c *Credentials) UseTLS() bool {
	return c.TLS == nil || *c.TLS
}

// IMAPPort returns the configured port or the protocol default.
func (c *Credentials) IMAPPort() int {
	if c.Port > 0 {
		return c.Port
	}
	if c.UseTLS() {
		return 993
	}
	return 143
}

// Validate checks that the payload has the shape required by kind.
func (c *Credentials) Validate(kind ProviderKind) error {
	var missing []string
	switch kind {
	case ProviderIMAP:
		if strings.TrimSpace(c.Username) == "" {
			missing = append(missing, "username")
		}
		if c.Password == "" {
			missing = append(missing, "password")
		}
		if strings.TrimSpace(c.Host) == "" {
			missing = append(missing, "host")
		}
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidCredentials, c.Port)
		}
	case ProviderGmail, ProviderOutlook:
		if c.ClientID == "" {
			missing = append(missing, "clientId")
		}
		if c.ClientSecret == "" {
			missing = append(missing, "clientSecret")
		}
		if c.RedirectURI == "" {
			missing = append(missing, "redirectUri")
		}
		if c.RefreshToken == "" && c.AccessToken == "" {
			missing = append(missing, "refreshToken|accessToken")
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidCredentials, kind)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s credentials missing %s", ErrInvalidCredentials, kind, strings.Join(missing, ", "))
	}
	return nil
}
