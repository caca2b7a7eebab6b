package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/httputil"
	"intake_server/pkg/logger"
	"intake_server/pkg/resilience"
	"intake_server/pkg/textutil"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	graphPageSize = 50
	graphScope    = "https://graph.microsoft.com/Mail.Read"
	defaultTenant = "common"
)

var graphMessageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "body",
	"from", "toRecipients", "ccRecipients", "bccRecipients",
	"receivedDateTime", "hasAttachments", "internetMessageHeaders",
}

// OutlookOptions overrides transport pieces. Zero values use production defaults.
type OutlookOptions struct {
	HTTPClient    *http.Client
	BaseURL       string
	OAuthEndpoint *oauth2.Endpoint
	Retry         *resilience.RetryPolicy
}

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookAdapter reads a Microsoft 365 / Outlook.com mailbox via Graph.
type OutlookAdapter struct {
	cfg     out.AdapterConfig
	opts    OutlookOptions
	baseURL string
	client  *http.Client
	retry   resilience.RetryPolicy
}

// NewOutlookAdapter creates an unconnected adapter.
func NewOutlookAdapter(cfg out.AdapterConfig, opts OutlookOptions) *OutlookAdapter {
	a := &OutlookAdapter{cfg: cfg, opts: opts, baseURL: graphBaseURL}
	if opts.BaseURL != "" {
		a.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Retry != nil {
		a.retry = *opts.Retry
	} else {
		a.retry = resilience.QuotaPolicy(domain.IsQuota)
	}
	if a.retry.OnRetry == nil {
		a.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.WithField("account_id", cfg.AccountID).Warn("[OutlookAdapter] throttled, retry %d in %s: %v", attempt, delay, err)
		}
	}
	return a
}

func (a *OutlookAdapter) Kind() domain.ProviderKind {
	return domain.ProviderOutlook
}

// Connect refreshes the token against the account's tenant and reads /me.
func (a *OutlookAdapter) Connect(ctx context.Context) error {
	creds := a.cfg.Credentials
	tenant := creds.TenantID
	if tenant == "" {
		tenant = defaultTenant
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if a.opts.OAuthEndpoint != nil {
		endpoint = *a.opts.OAuthEndpoint
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURI,
		Scopes:       []string{"offline_access", graphScope},
		Endpoint:     endpoint,
	}

	base := a.opts.HTTPClient
	if base == nil {
		base = httputil.GraphClient()
	}
	client, err := connectOAuth(ctx, domain.ProviderOutlook, conf, creds, base)
	if err != nil {
		return err
	}
	a.client = client

	var me graphUser
	if err := a.getJSON(ctx, "me", a.baseURL+"/me?$select=mail,userPrincipalName", &me); err != nil {
		a.client = nil
		var pe *out.ProviderError
		if errors.As(err, &pe) && pe.Code == out.ProviderErrAuth {
			return &domain.ConnectionError{
				Provider:   domain.ProviderOutlook,
				Diagnostic: "Graph rejected the access token, the app registration may lack Mail.Read consent",
				Err:        err,
			}
		}
		return &domain.ConnectionError{
			Provider:   domain.ProviderOutlook,
			Diagnostic: "Microsoft Graph is unavailable",
			Transient:  true,
			Err:        err,
		}
	}

	mailbox := me.Mail
	if mailbox == "" {
		mailbox = me.UserPrincipalName
	}
	if a.cfg.EmailAddress != "" && !strings.EqualFold(mailbox, a.cfg.EmailAddress) {
		logger.WithFields(map[string]any{
			"account_id": a.cfg.AccountID,
			"expected":   a.cfg.EmailAddress,
			"actual":     mailbox,
		}).Warn("[OutlookAdapter] token belongs to a different mailbox")
	}
	return nil
}

// FetchEmails follows @odata.nextLink until the filtered listing is exhausted.
func (a *OutlookAdapter) FetchEmails(ctx context.Context, since *time.Time) ([]out.FetchedMessage, error) {
	if a.client == nil {
		return nil, errors.New("outlook: not connected")
	}

	params := url.Values{}
	params.Set("$select", strings.Join(graphMessageFields, ","))
	params.Set("$top", fmt.Sprintf("%d", graphPageSize))
	if since != nil {
		params.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
		params.Set("$orderby", "receivedDateTime desc")
	} else {
		warnFullFetch(domain.ProviderOutlook, a.cfg.AccountID)
	}

	var results []out.FetchedMessage
	next := a.baseURL + "/me/messages?" + params.Encode()
	for next != "" {
		var page graphMessagePage
		if err := a.getJSON(ctx, "messages.list", next, &page); err != nil {
			if len(results) == 0 {
				return nil, err
			}
			logger.WithError(err).Warn("[OutlookAdapter] paging stopped after %d messages", len(results))
			break
		}

		for i := range page.Value {
			msg := &page.Value[i]
			fm := convertGraphMessage(msg)
			if msg.HasAttachments {
				atts, err := a.listAttachments(ctx, msg.ID)
				if err != nil {
					logger.WithError(err).WithField("message_id", msg.ID).Warn("[OutlookAdapter] attachment listing failed")
				}
				fm.Attachments = atts
			}
			results = append(results, fm)
		}
		next = page.NextLink
	}

	return results, nil
}

func (a *OutlookAdapter) listAttachments(ctx context.Context, messageID string) ([]out.FetchedAttachment, error) {
	var resp struct {
		Value []graphAttachment `json:"value"`
	}
	u := a.baseURL + "/me/messages/" + url.PathEscape(messageID) + "/attachments?$select=id,name,contentType,size,isInline"
	if err := a.getJSON(ctx, "attachments.list", u, &resp); err != nil {
		return nil, err
	}

	atts := make([]out.FetchedAttachment, 0, len(resp.Value))
	for _, att := range resp.Value {
		atts = append(atts, out.FetchedAttachment{
			ProviderAttachmentID: att.ID,
			Filename:             att.Name,
			ContentType:          att.ContentType,
			Size:                 att.Size,
		})
	}
	return atts, nil
}

// DownloadAttachment streams the raw attachment content.
func (a *OutlookAdapter) DownloadAttachment(ctx context.Context, messageRef, attachmentID string) ([]byte, error) {
	if a.client == nil {
		return nil, errors.New("outlook: not connected")
	}
	u := a.baseURL + "/me/messages/" + url.PathEscape(messageRef) + "/attachments/" + url.PathEscape(attachmentID) + "/$value"
	return a.get(ctx, "attachments.get", u)
}

func (a *OutlookAdapter) Disconnect(ctx context.Context) error {
	a.client = nil
	return nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *OutlookAdapter) get(ctx context.Context, op, u string) ([]byte, error) {
	var body []byte
	err := a.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			code := out.ProviderErrServer
			if isNetworkError(err) {
				code = out.ProviderErrNetwork
			}
			return out.NewProviderError(domain.ProviderOutlook, code, 0, op+" failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrNetwork, resp.StatusCode, op+" body read failed", err)
		}
		if resp.StatusCode >= 400 {
			return a.wrapHTTPError(op, resp, data)
		}
		body = data
		return nil
	})
	return body, err
}

func (a *OutlookAdapter) getJSON(ctx context.Context, op, u string, result any) error {
	data, err := a.get(ctx, op, u)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return out.NewProviderError(domain.ProviderOutlook, out.ProviderErrServer, 0, op+" returned malformed JSON", err)
	}
	return nil
}

func (a *OutlookAdapter) wrapHTTPError(op string, resp *http.Response, body []byte) error {
	var ge graphErrorBody
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		msg = ge.Error.Code + ": " + ge.Error.Message
	}
	cause := fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &domain.QuotaError{
			Provider:   domain.ProviderOutlook,
			Operation:  op,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        cause,
		}
	}
	return out.NewProviderError(domain.ProviderOutlook, errorCodeForStatus(resp.StatusCode), resp.StatusCode, op+" failed", cause)
}

func convertGraphMessage(msg *graphMessage) out.FetchedMessage {
	var inReplyTo string
	var references []string
	for _, h := range msg.InternetMessageHeaders {
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			if ids := splitMessageIDs(h.Value); len(ids) > 0 {
				inReplyTo = ids[0]
			}
		case "references":
			references = splitMessageIDs(h.Value)
		}
	}

	fm := out.FetchedMessage{
		ProviderMessageID: msg.ID,
		FetchRef:          msg.ID,
		ThreadID:          msg.ConversationID,
		MessageIDHeader:   trimAngle(msg.InternetMessageID),
		InReplyTo:         inReplyTo,
		References:        references,
		Subject:           msg.Subject,
		From:              graphAddresses([]graphRecipient{msg.From}),
		To:                graphAddresses(msg.ToRecipients),
		Cc:                graphAddresses(msg.CcRecipients),
		Bcc:               graphAddresses(msg.BccRecipients),
	}
	if fm.ThreadID == "" {
		fm.ThreadID = threadKey(references, inReplyTo, msg.ID)
	}

	if strings.EqualFold(msg.Body.ContentType, "html") {
		fm.HTMLBody = msg.Body.Content
		fm.TextBody = textutil.BodyText("", msg.Body.Content)
	} else {
		fm.TextBody = msg.Body.Content
	}

	if msg.ReceivedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, msg.ReceivedDateTime); err == nil {
			fm.ReceivedAt = t
		}
	}
	return fm
}

func graphAddresses(recipients []graphRecipient) []domain.Address {
	var result []domain.Address
	for _, r := range recipients {
		if r.EmailAddress.Address == "" {
			continue
		}
		result = append(result, domain.Address{Name: r.EmailAddress.Name, Email: r.EmailAddress.Address})
	}
	return result
}

// Graph API types

type graphUser struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

type graphMessagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID                     string           `json:"id"`
	ConversationID         string           `json:"conversationId"`
	InternetMessageID      string           `json:"internetMessageId"`
	Subject                string           `json:"subject"`
	Body                   graphBody        `json:"body"`
	From                   graphRecipient   `json:"from"`
	ToRecipients           []graphRecipient `json:"toRecipients"`
	CcRecipients           []graphRecipient `json:"ccRecipients"`
	BccRecipients          []graphRecipient `json:"bccRecipients"`
	HasAttachments         bool             `json:"hasAttachments"`
	ReceivedDateTime       string           `json:"receivedDateTime"`
	InternetMessageHeaders []graphHeader    `json:"internetMessageHeaders"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type graphAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ out.MailProvider = (*OutlookAdapter)(nil)
