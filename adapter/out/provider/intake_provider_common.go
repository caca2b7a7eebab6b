// Package provider implements the mailbox adapters behind out.MailProvider.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"

	"github.com/emersion/go-message/mail"
	"golang.org/x/oauth2"
)

// =============================================================================
// Addresses
// =============================================================================

func toAddresses(list []*mail.Address) []domain.Address {
	if len(list) == 0 {
		return nil
	}
	result := make([]domain.Address, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		result = append(result, domain.Address{Name: a.Name, Email: a.Address})
	}
	return result
}

// parseAddressList decodes an RFC 5322 address header value. Values the
// strict parser rejects are split on commas and kept as bare addresses.
func parseAddressList(value string) []domain.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(value); err == nil {
		return toAddresses(list)
	}

	var result []domain.Address
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lt := strings.LastIndex(part, "<"); lt >= 0 && strings.HasSuffix(part, ">") {
			result = append(result, domain.Address{
				Name:  strings.Trim(strings.TrimSpace(part[:lt]), `"`),
				Email: part[lt+1 : len(part)-1],
			})
			continue
		}
		result = append(result, domain.Address{Email: part})
	}
	return result
}

// splitMessageIDs parses In-Reply-To / References header values.
func splitMessageIDs(value string) []string {
	var ids []string
	for _, f := range strings.Fields(value) {
		f = strings.TrimSuffix(strings.TrimPrefix(f, "<"), ">")
		if f != "" {
			ids = append(ids, f)
		}
	}
	return ids
}

func trimAngle(id string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
}

// threadKey picks the conversation root: first reference, then the parent,
// then the message itself.
func threadKey(references []string, inReplyTo, messageID string) string {
	if len(references) > 0 {
		return references[0]
	}
	if inReplyTo != "" {
		return inReplyTo
	}
	return messageID
}

func warnFullFetch(provider domain.ProviderKind, accountID string) {
	logger.WithFields(map[string]any{
		"provider":   provider,
		"account_id": accountID,
	}).Warn("[%s] no since bound given, full mailbox fetch (slow path)", provider)
}

// =============================================================================
// OAuth
// =============================================================================

// oauthToken builds the seed token. A refresh token forces an immediate
// refresh so Connect surfaces revoked grants.
func oauthToken(creds domain.Credentials) *oauth2.Token {
	if creds.RefreshToken != "" {
		return &oauth2.Token{RefreshToken: creds.RefreshToken}
	}
	return &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}
}

// connectOAuth validates the token source and returns an authorized client
// that sends through base.
func connectOAuth(ctx context.Context, provider domain.ProviderKind, conf *oauth2.Config, creds domain.Credentials, base *http.Client) (*http.Client, error) {
	if base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	ts := conf.TokenSource(ctx, oauthToken(creds))
	if _, err := ts.Token(); err != nil {
		return nil, oauthConnectError(provider, err)
	}
	return oauth2.NewClient(ctx, ts), nil
}

// oauthConnectError turns a token endpoint failure into an operator-facing
// diagnostic.
func oauthConnectError(provider domain.ProviderKind, err error) *domain.ConnectionError {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &domain.ConnectionError{
			Provider:   provider,
			Diagnostic: "token endpoint unreachable",
			Transient:  true,
			Err:        err,
		}
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	desc := re.ErrorDescription

	var diag string
	switch {
	case re.ErrorCode == "redirect_uri_mismatch" || strings.Contains(desc, "AADSTS50011"):
		diag = "redirect URI does not match the one registered for this OAuth client"
	case re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" || strings.Contains(desc, "AADSTS7000215"):
		diag = "OAuth client id or secret was rejected"
	case re.ErrorCode == "invalid_grant":
		diag = "refresh token is expired or revoked, the mailbox must be re-authorized"
	case re.ErrorCode != "":
		diag = "token endpoint rejected the request: " + re.ErrorCode
	default:
		diag = "token endpoint returned HTTP " + strconv.Itoa(status)
	}

	return &domain.ConnectionError{
		Provider:   provider,
		Diagnostic: diag,
		Transient:  status >= 500 || status == http.StatusTooManyRequests,
		Err:        err,
	}
}

// =============================================================================
// HTTP errors
// =============================================================================

func errorCodeForStatus(status int) out.ProviderErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return out.ProviderErrAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		return out.ProviderErrNotFound
	case status == http.StatusBadRequest:
		return out.ProviderErrInvalidInput
	default:
		return out.ProviderErrServer
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func isNetworkError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

// clientSide is used as the breaker ignore func: caller mistakes never trip it.
// breakerIgnores counts caller mistakes and quota pushback as breaker
// successes. Quota errors are handled by the retry policy.
func breakerIgnores(err error) bool {
	return clientSide(err) || domain.IsQuota(err)
}

func clientSide(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *out.ProviderError
	return errors.As(err, &pe) && pe.ClientSide()
}
