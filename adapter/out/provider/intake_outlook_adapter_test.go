package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/resilience"

	"golang.org/x/oauth2"
)

type fakeGraph struct {
	mu        sync.Mutex
	url       string
	filter    string
	page2Hits int
	meStatus  int
}

func (f *fakeGraph) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); r.URL.Path != "/token" && got != "Bearer tok" {
			writeJSON(w, 401, map[string]any{"error": map[string]string{"code": "InvalidAuthenticationToken", "message": "no token"}})
			return
		}

		switch p := r.URL.Path; {
		case p == "/token":
			writeJSON(w, 200, map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600})

		case p == "/v1.0/me":
			if f.meStatus != 0 {
				writeJSON(w, f.meStatus, map[string]any{"error": map[string]string{"code": "Forbidden", "message": "denied"}})
				return
			}
			writeJSON(w, 200, map[string]string{"mail": "ops@contoso.com"})

		case p == "/v1.0/me/messages":
			if r.URL.Query().Get("$skiptoken") == "page2" {
				f.mu.Lock()
				f.page2Hits++
				hits := f.page2Hits
				f.mu.Unlock()
				if hits == 1 {
					w.Header().Set("Retry-After", "1")
					writeJSON(w, 429, map[string]any{"error": map[string]string{"code": "TooManyRequests", "message": "slow down"}})
					return
				}
				writeJSON(w, 200, map[string]any{"value": []map[string]any{{
					"id":               "g2",
					"conversationId":   "conv-2",
					"subject":          "Plain one",
					"body":             map[string]string{"contentType": "text", "content": "plain body"},
					"from":             map[string]any{"emailAddress": map[string]string{"address": "x@contoso.com"}},
					"receivedDateTime": "2024-03-02T10:00:00Z",
				}}})
				return
			}

			f.mu.Lock()
			f.filter = r.URL.Query().Get("$filter")
			f.mu.Unlock()
			writeJSON(w, 200, map[string]any{
				"value": []map[string]any{{
					"id":                "g1",
					"conversationId":    "conv-1",
					"internetMessageId": "<g1@contoso.com>",
					"subject":           "Kickoff",
					"body":              map[string]string{"contentType": "html", "content": "<div>Agenda</div>"},
					"from":              map[string]any{"emailAddress": map[string]string{"name": "PM", "address": "pm@contoso.com"}},
					"toRecipients":      []map[string]any{{"emailAddress": map[string]string{"address": "ops@contoso.com"}}},
					"hasAttachments":    true,
					"receivedDateTime":  "2024-03-01T09:30:00Z",
					"internetMessageHeaders": []map[string]string{
						{"name": "In-Reply-To", "value": "<root@contoso.com>"},
						{"name": "References", "value": "<root@contoso.com>"},
					},
				}},
				"@odata.nextLink": f.url + "/v1.0/me/messages?$skiptoken=page2",
			})

		case p == "/v1.0/me/messages/g1/attachments":
			writeJSON(w, 200, map[string]any{"value": []map[string]any{
				{"id": "a1", "name": "plan.csv", "contentType": "text/csv", "size": 4},
			}})

		case p == "/v1.0/me/messages/g1/attachments/a1/$value":
			w.Header().Set("Content-Type", "text/csv")
			_, _ = w.Write([]byte("a,b\n"))

		default:
			http.NotFound(w, r)
		}
	})
}

func newTestOutlook(srv *httptest.Server, tenant string) *OutlookAdapter {
	retry := resilience.QuotaPolicy(domain.IsQuota)
	retry.Sleep = noSleep
	return NewOutlookAdapter(out.AdapterConfig{
		AccountID:    "acc-2",
		Provider:     domain.ProviderOutlook,
		EmailAddress: "ops@contoso.com",
		Credentials: domain.Credentials{
			ClientID:     "id",
			ClientSecret: "secret",
			RedirectURI:  "http://localhost/cb",
			RefreshToken: "refresh",
			TenantID:     tenant,
		},
	}, OutlookOptions{
		HTTPClient:    srv.Client(),
		BaseURL:       srv.URL + "/v1.0",
		OAuthEndpoint: &oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
		Retry:         &retry,
	})
}

func TestOutlookFetchFollowsNextLink(t *testing.T) {
	fake := &fakeGraph{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	fake.url = srv.URL

	a := newTestOutlook(srv, "")
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	msgs, err := a.FetchEmails(ctx, &since)
	if err != nil {
		t.Fatalf("FetchEmails: %v", err)
	}
	if fake.filter != "receivedDateTime ge 2024-03-01T00:00:00Z" {
		t.Errorf("filter = %q", fake.filter)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages across pages, got %d", len(msgs))
	}
	if fake.page2Hits != 2 {
		t.Errorf("throttled page should be retried once, hits=%d", fake.page2Hits)
	}

	first := msgs[0]
	if first.ProviderMessageID != "g1" || first.ThreadID != "conv-1" || first.MessageIDHeader != "g1@contoso.com" {
		t.Errorf("ids = %q %q %q", first.ProviderMessageID, first.ThreadID, first.MessageIDHeader)
	}
	if first.InReplyTo != "root@contoso.com" || len(first.References) != 1 {
		t.Errorf("threading = %q %v", first.InReplyTo, first.References)
	}
	if first.HTMLBody == "" || first.TextBody != "Agenda" {
		t.Errorf("body = %q / %q", first.HTMLBody, first.TextBody)
	}
	if len(first.Attachments) != 1 || first.Attachments[0].ProviderAttachmentID != "a1" || first.Attachments[0].Size != 4 {
		t.Errorf("attachments = %+v", first.Attachments)
	}
	if msgs[1].TextBody != "plain body" || msgs[1].HTMLBody != "" {
		t.Errorf("plain message body = %q / %q", msgs[1].TextBody, msgs[1].HTMLBody)
	}

	data, err := a.DownloadAttachment(ctx, "g1", "a1")
	if err != nil || string(data) != "a,b\n" {
		t.Errorf("DownloadAttachment = %q, %v", data, err)
	}
}

func TestOutlookConnectRejected(t *testing.T) {
	fake := &fakeGraph{meStatus: 403}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	err := newTestOutlook(srv, "contoso.onmicrosoft.com").Connect(context.Background())
	var ce *domain.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if ce.Transient {
		t.Error("a 403 from Graph is configuration trouble, not transient")
	}
	if !strings.Contains(ce.Diagnostic, "Mail.Read") {
		t.Errorf("diagnostic = %q", ce.Diagnostic)
	}
}

func TestOutlookQuotaCarriesRetryAfter(t *testing.T) {
	a := NewOutlookAdapter(out.AdapterConfig{}, OutlookOptions{})
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"7"}}}

	err := a.wrapHTTPError("messages.list", resp, []byte(`{"error":{"code":"TooManyRequests","message":"x"}}`))
	var qe *domain.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v", qe.RetryAfter)
	}

	err = a.wrapHTTPError("messages.list", &http.Response{StatusCode: 404, Header: http.Header{}}, nil)
	if !clientSide(err) {
		t.Errorf("404 should be client side: %v", err)
	}
}
