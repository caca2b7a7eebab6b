package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/httputil"
	"intake_server/pkg/logger"
	"intake_server/pkg/ratelimit"
	"intake_server/pkg/resilience"
	"intake_server/pkg/textutil"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailUser     = "me"
	gmailPageSize = 100
	gmailInlineID = "part:"
)

var gmailQuotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
}

// GmailOptions overrides transport pieces. Zero values use production defaults.
type GmailOptions struct {
	HTTPClient    *http.Client
	Endpoint      string
	OAuthEndpoint *oauth2.Endpoint
	Pacer         *ratelimit.Pacer
	Retry         *resilience.RetryPolicy
	Breaker       *resilience.Breaker
}

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter reads a Gmail mailbox through the Gmail REST API.
type GmailAdapter struct {
	cfg     out.AdapterConfig
	opts    GmailOptions
	svc     *gmail.Service
	pacer   *ratelimit.Pacer
	retry   resilience.RetryPolicy
	breaker *resilience.Breaker
}

// NewGmailAdapter creates an unconnected adapter.
func NewGmailAdapter(cfg out.AdapterConfig, opts GmailOptions) *GmailAdapter {
	a := &GmailAdapter{cfg: cfg, opts: opts}

	a.pacer = opts.Pacer
	if a.pacer == nil {
		a.pacer = ratelimit.NewPacer(ratelimit.GmailConfig())
	}
	if opts.Retry != nil {
		a.retry = *opts.Retry
	} else {
		a.retry = resilience.QuotaPolicy(domain.IsQuota)
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.WithField("account_id", cfg.AccountID).Warn("[GmailAdapter] quota hit, retry %d in %s: %v", attempt, delay, err)
		}
	}
	a.breaker = opts.Breaker
	if a.breaker == nil {
		a.breaker = resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api:"+cfg.AccountID), breakerIgnores)
	}
	return a
}

func (a *GmailAdapter) Kind() domain.ProviderKind {
	return domain.ProviderGmail
}

// Connect refreshes the OAuth token and verifies the mailbox profile.
func (a *GmailAdapter) Connect(ctx context.Context) error {
	creds := a.cfg.Credentials
	endpoint := google.Endpoint
	if a.opts.OAuthEndpoint != nil {
		endpoint = *a.opts.OAuthEndpoint
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     endpoint,
	}

	base := a.opts.HTTPClient
	if base == nil {
		base = httputil.GmailClient()
	}
	client, err := connectOAuth(ctx, domain.ProviderGmail, conf, creds, base)
	if err != nil {
		return err
	}

	svcOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(a.opts.Endpoint))
	}
	svc, err := gmail.NewService(ctx, svcOpts...)
	if err != nil {
		return &domain.ConnectionError{
			Provider:   domain.ProviderGmail,
			Diagnostic: "failed to initialise the Gmail client",
			Err:        err,
		}
	}
	a.svc = svc

	var profile *gmail.Profile
	err = a.call(ctx, "users.getProfile", func() error {
		p, err := svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		profile = p
		return err
	})
	if err != nil {
		a.svc = nil
		var pe *out.ProviderError
		if errors.As(err, &pe) && pe.Code == out.ProviderErrAuth {
			return &domain.ConnectionError{
				Provider:   domain.ProviderGmail,
				Diagnostic: "Gmail rejected the access token, the grant may lack the gmail.readonly scope",
				Err:        err,
			}
		}
		return &domain.ConnectionError{
			Provider:   domain.ProviderGmail,
			Diagnostic: "Gmail API is unavailable",
			Transient:  true,
			Err:        err,
		}
	}

	if a.cfg.EmailAddress != "" && !strings.EqualFold(profile.EmailAddress, a.cfg.EmailAddress) {
		logger.WithFields(map[string]any{
			"account_id": a.cfg.AccountID,
			"expected":   a.cfg.EmailAddress,
			"actual":     profile.EmailAddress,
		}).Warn("[GmailAdapter] token belongs to a different mailbox")
	}
	return nil
}

// FetchEmails lists message ids page by page, then fetches details in paced
// batches. A message that fails after retries is skipped.
func (a *GmailAdapter) FetchEmails(ctx context.Context, since *time.Time) ([]out.FetchedMessage, error) {
	if a.svc == nil {
		return nil, errors.New("gmail: not connected")
	}

	query := ""
	if since != nil {
		query = fmt.Sprintf("after:%d", since.Unix())
	} else {
		warnFullFetch(domain.ProviderGmail, a.cfg.AccountID)
	}

	ids, err := a.listIDs(ctx, query)
	if err != nil {
		return nil, err
	}

	fetched := make([]*out.FetchedMessage, len(ids))
	err = a.pacer.ForEach(ctx, len(ids), func(ctx context.Context, i int) {
		var msg *gmail.Message
		err := a.call(ctx, "messages.get", func() error {
			m, err := a.svc.Users.Messages.Get(gmailUser, ids[i]).Format("full").Context(ctx).Do()
			msg = m
			return err
		})
		if err != nil {
			logger.WithError(err).WithField("message_id", ids[i]).Warn("[GmailAdapter] skipping message")
			return
		}
		fm := convertGmailMessage(msg)
		fetched[i] = &fm
	})
	if err != nil {
		return nil, err
	}

	results := make([]out.FetchedMessage, 0, len(fetched))
	for _, fm := range fetched {
		if fm != nil {
			results = append(results, *fm)
		}
	}
	return results, nil
}

func (a *GmailAdapter) listIDs(ctx context.Context, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		var resp *gmail.ListMessagesResponse
		err := a.call(ctx, "messages.list", func() error {
			call := a.svc.Users.Messages.List(gmailUser).MaxResults(gmailPageSize).Context(ctx)
			if query != "" {
				call = call.Q(query)
			}
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			r, err := call.Do()
			resp = r
			return err
		})
		if err != nil {
			if len(ids) == 0 {
				return nil, err
			}
			logger.WithError(err).Warn("[GmailAdapter] listing stopped after %d ids", len(ids))
			return ids, nil
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// DownloadAttachment fetches attachment bytes. Parts whose data was inlined
// in the message payload are addressed as "part:<partId>".
func (a *GmailAdapter) DownloadAttachment(ctx context.Context, messageRef, attachmentID string) ([]byte, error) {
	if a.svc == nil {
		return nil, errors.New("gmail: not connected")
	}

	if partID, ok := strings.CutPrefix(attachmentID, gmailInlineID); ok {
		var msg *gmail.Message
		err := a.call(ctx, "messages.get", func() error {
			m, err := a.svc.Users.Messages.Get(gmailUser, messageRef).Format("full").Context(ctx).Do()
			msg = m
			return err
		})
		if err != nil {
			return nil, err
		}
		part := findGmailPart(msg.Payload, partID)
		if part == nil || part.Body == nil {
			return nil, out.NewProviderError(domain.ProviderGmail, out.ProviderErrNotFound, http.StatusNotFound, "part "+partID+" not found", nil)
		}
		return decodeGmailData(part.Body.Data)
	}

	var body *gmail.MessagePartBody
	err := a.call(ctx, "attachments.get", func() error {
		b, err := a.svc.Users.Messages.Attachments.Get(gmailUser, messageRef, attachmentID).Context(ctx).Do()
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeGmailData(body.Data)
}

func (a *GmailAdapter) Disconnect(ctx context.Context) error {
	a.svc = nil
	return nil
}

// call runs fn under the quota retry policy and the circuit breaker.
func (a *GmailAdapter) call(ctx context.Context, op string, fn func() error) error {
	return a.retry.Do(ctx, func() error {
		return a.breaker.Execute(op, func() error {
			if err := fn(); err != nil {
				return a.wrapError(op, err)
			}
			return nil
		})
	})
}

func (a *GmailAdapter) wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return out.NewProviderError(domain.ProviderGmail, out.ProviderErrNetwork, 0, op+" failed", err)
	}

	if apiErr.Code == http.StatusTooManyRequests || (apiErr.Code == http.StatusForbidden && hasQuotaReason(apiErr)) {
		return &domain.QuotaError{
			Provider:   domain.ProviderGmail,
			Operation:  op,
			StatusCode: apiErr.Code,
			RetryAfter: parseRetryAfter(apiErr.Header.Get("Retry-After")),
			Err:        err,
		}
	}
	return out.NewProviderError(domain.ProviderGmail, errorCodeForStatus(apiErr.Code), apiErr.Code, op+" failed", err)
}

func hasQuotaReason(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		if gmailQuotaReasons[item.Reason] {
			return true
		}
	}
	return false
}

// =============================================================================
// Conversion
// =============================================================================

func convertGmailMessage(msg *gmail.Message) out.FetchedMessage {
	headers := map[string]string{}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			key := strings.ToLower(h.Name)
			if _, seen := headers[key]; !seen {
				headers[key] = h.Value
			}
		}
	}

	var parts gmailParts
	parts.walk(msg.Payload)

	messageID := trimAngle(headers["message-id"])
	references := splitMessageIDs(headers["references"])
	inReplyTo := ""
	if ids := splitMessageIDs(headers["in-reply-to"]); len(ids) > 0 {
		inReplyTo = ids[0]
	}

	received := time.Time{}
	if msg.InternalDate > 0 {
		received = time.UnixMilli(msg.InternalDate).UTC()
	} else if d, err := mail.ParseDate(headers["date"]); err == nil {
		received = d
	}

	threadID := msg.ThreadId
	if threadID == "" {
		threadID = threadKey(references, inReplyTo, msg.Id)
	}

	return out.FetchedMessage{
		ProviderMessageID: msg.Id,
		FetchRef:          msg.Id,
		ThreadID:          threadID,
		MessageIDHeader:   messageID,
		InReplyTo:         inReplyTo,
		References:        references,
		Subject:           headers["subject"],
		TextBody:          textutil.BodyText(parts.text, parts.html),
		HTMLBody:          parts.html,
		From:              parseAddressList(headers["from"]),
		To:                parseAddressList(headers["to"]),
		Cc:                parseAddressList(headers["cc"]),
		Bcc:               parseAddressList(headers["bcc"]),
		ReceivedAt:        received,
		Attachments:       parts.attachments,
	}
}

type gmailParts struct {
	text        string
	html        string
	attachments []out.FetchedAttachment
}

func (p *gmailParts) walk(part *gmail.MessagePart) {
	if part == nil {
		return
	}

	if part.Filename != "" {
		att := out.FetchedAttachment{
			Filename:    part.Filename,
			ContentType: part.MimeType,
		}
		if part.Body != nil {
			att.Size = part.Body.Size
			att.ProviderAttachmentID = part.Body.AttachmentId
		}
		if att.ProviderAttachmentID == "" {
			att.ProviderAttachmentID = gmailInlineID + part.PartId
		}
		p.attachments = append(p.attachments, att)
	} else if part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if p.text == "" {
				if data, err := decodeGmailData(part.Body.Data); err == nil {
					p.text = string(data)
				}
			}
		case "text/html":
			if p.html == "" {
				if data, err := decodeGmailData(part.Body.Data); err == nil {
					p.html = string(data)
				}
			}
		}
	}

	for _, child := range part.Parts {
		p.walk(child)
	}
}

func findGmailPart(part *gmail.MessagePart, partID string) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if part.PartId == partID {
		return part
	}
	for _, child := range part.Parts {
		if found := findGmailPart(child, partID); found != nil {
			return found
		}
	}
	return nil
}

// decodeGmailData accepts base64url with or without padding.
func decodeGmailData(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

var _ out.MailProvider = (*GmailAdapter)(nil)
