package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/infra/middleware"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

const secret = "handler-test-secret-0123456789"

// =============================================================================
// Fakes
// =============================================================================

type fakeAccounts struct {
	in.AccountService
	created   *in.CreateAccountInput
	ingestN   int
	ingestErr error
	since     *time.Time
	getErr    error
}

func (f *fakeAccounts) Create(_ context.Context, input *in.CreateAccountInput, ownerID string) (*domain.EmailAccount, error) {
	f.created = input
	if input.Name == "" {
		return nil, fmt.Errorf("create: %w", errors.New("account name is required"))
	}
	return &domain.EmailAccount{ID: "acc-1", Name: input.Name, Provider: input.Provider, OwnerID: ownerID, EncryptedCredentials: "sealed"}, nil
}

func (f *fakeAccounts) Get(_ context.Context, id, ownerID string) (*domain.EmailAccount, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &domain.EmailAccount{ID: id, OwnerID: ownerID}, nil
}

func (f *fakeAccounts) List(context.Context, string) ([]*domain.EmailAccount, error) {
	return nil, nil
}

func (f *fakeAccounts) IngestFromAccount(_ context.Context, _, _ string, since *time.Time) (int, error) {
	f.since = since
	return f.ingestN, f.ingestErr
}

type fakeVisibility struct {
	in.VisibilityService
	visible map[string]bool
	filter  domain.MessageFilter
	page    in.Page
}

func (f *fakeVisibility) ListVisible(_ context.Context, _ in.Viewer, filter domain.MessageFilter, page in.Page) (*in.MessagePage, error) {
	f.filter, f.page = filter, page
	return &in.MessagePage{Items: []*domain.Message{{ID: "m1"}}, Total: 120, Limit: 50, Offset: 0}, nil
}

func (f *fakeVisibility) CanView(_ context.Context, _ in.Viewer, id string) (bool, error) {
	return f.visible[id], nil
}

func (f *fakeVisibility) GetVisible(_ context.Context, _ in.Viewer, id string) (*domain.Message, error) {
	if !f.visible[id] {
		return nil, domain.ErrNotFound
	}
	return &domain.Message{ID: id, Attachments: []*domain.Attachment{
		{ID: "att-1", MessageID: id, Filename: "report.pdf", ContentType: "application/pdf", FilePath: id + "/report.pdf"},
		{ID: "att-2", MessageID: id, Filename: "pending.bin"},
	}}, nil
}

type fakeStore struct {
	out.AttachmentStore
	files map[string][]byte
}

func (f *fakeStore) Open(_ context.Context, p string) ([]byte, error) {
	data, ok := f.files[p]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return data, nil
}

type fakeProcessor struct {
	in.ProcessorService
	batchIDs []string
	marked   []string
	status   domain.SpamStatus
	swept    bool
}

func (f *fakeProcessor) ClassifyByID(_ context.Context, id string) (*domain.Message, error) {
	return &domain.Message{ID: id, SpamStatus: domain.SpamStatusNotSpam}, nil
}

func (f *fakeProcessor) ClassifyBatch(_ context.Context, ids []string) (*in.BatchResult, error) {
	f.batchIDs = ids
	return &in.BatchResult{Processed: len(ids)}, nil
}

func (f *fakeProcessor) ProcessUnprocessed(context.Context) (*in.BatchResult, error) {
	f.swept = true
	return &in.BatchResult{Processed: 3}, nil
}

func (f *fakeProcessor) MarkSpamStatus(_ context.Context, ids []string, status domain.SpamStatus) error {
	f.marked, f.status = ids, status
	return nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	app        *fiber.App
	accounts   *fakeAccounts
	visibility *fakeVisibility
	processor  *fakeProcessor
	store      *fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		accounts:   &fakeAccounts{},
		visibility: &fakeVisibility{visible: map[string]bool{"m1": true, "m2": true}},
		processor:  &fakeProcessor{},
		store: &fakeStore{files: map[string][]byte{
			"m1/report.pdf": []byte("%PDF-1.4"),
			"m3/report.pdf": []byte("hidden"),
		}},
	}
	h.app = fiber.New(fiber.Config{
		ErrorHandler: middleware.ErrorHandler(),
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
	})
	h.app.Use(middleware.RequestID())
	NewHealthHandler(nil, nil).Register(h.app)
	api := h.app.Group("/api/v1", middleware.JWTAuth(secret))
	NewAccountHandler(h.accounts).Register(api)
	NewEmailHandler(h.visibility, h.processor, h.store).Register(api)
	return h
}

func (h *harness) do(t *testing.T, method, path string, role domain.GlobalRole, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		token, err := middleware.IssueToken(secret, "user-1", role, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// =============================================================================
// Tests
// =============================================================================

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, "GET", "/health", "", nil)
	if status != 200 || body["status"] != "ok" {
		t.Errorf("health = %d %v", status, body)
	}
	status, body = h.do(t, "GET", "/ready", "", nil)
	if status != 200 || body["status"] != "ready" {
		t.Errorf("ready = %d %v", status, body)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, "GET", "/api/v1/emails", "", nil)
	if status != 401 {
		t.Errorf("status = %d", status)
	}
}

func TestCreateAccountHidesCredentials(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, "POST", "/api/v1/email-accounts", domain.GlobalRoleUser, map[string]any{
		"name":         "Support",
		"provider":     "imap",
		"emailAddress": "support@example.com",
		"credentials":  map[string]any{"username": "u", "password": "p", "host": "imap.example.com"},
	})
	if status != 201 {
		t.Fatalf("status = %d %v", status, body)
	}
	if h.accounts.created.Credentials.Host != "imap.example.com" {
		t.Errorf("credentials not decoded: %+v", h.accounts.created.Credentials)
	}
	data := body["data"].(map[string]any)
	if _, leaked := data["EncryptedCredentials"]; leaked {
		t.Error("sealed credentials must not be serialized")
	}
	if data["owner_id"] != "user-1" {
		t.Errorf("owner = %v", data["owner_id"])
	}
}

func TestGetAccountNotFound(t *testing.T) {
	h := newHarness(t)
	h.accounts.getErr = domain.ErrNotFound
	status, body := h.do(t, "GET", "/api/v1/email-accounts/foreign", domain.GlobalRoleUser, nil)
	if status != 404 || errorCode(body) != "NOT_FOUND" {
		t.Errorf("got %d %v", status, body)
	}
}

func TestIngestAlwaysReturns200(t *testing.T) {
	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		body    any
		n       int
		err     error
		success bool
		message string
	}{
		{"success", map[string]any{"since": since.Format(time.RFC3339)}, 4, nil, true, "Ingested 4 new email(s)"},
		{"no body", nil, 0, nil, true, "Ingested 0 new email(s)"},
		{"connect failure", nil, 0, &domain.ConnectionError{Provider: domain.ProviderIMAP, Diagnostic: "authentication failed", Err: errors.New("NO [AUTHENTICATIONFAILED]")}, false, "Could not connect to mailbox: authentication failed"},
		{"busy", nil, 0, domain.ErrIngestionInProgress, false, "Ingestion is already running for this account"},
		{"inactive", nil, 0, domain.ErrAccountInactive, false, "Email account is not active"},
		{"credentials", nil, 0, &domain.CredentialsError{AccountID: "a", Err: errors.New("cipher: message authentication failed")}, false, "Stored credentials could not be read; please re-enter them"},
		{"unexpected", nil, 0, errors.New("pq: deadlock detected"), false, "Ingestion failed"},
		{"bad since", map[string]any{"since": "yesterday"}, 0, nil, false, "Invalid request body: since must be an RFC3339 timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.accounts.ingestN, h.accounts.ingestErr = tt.n, tt.err

			status, body := h.do(t, "POST", "/api/v1/email-accounts/acc-1/ingest", domain.GlobalRoleUser, tt.body)
			if status != 200 {
				t.Fatalf("status = %d", status)
			}
			if body["success"] != tt.success || body["message"] != tt.message {
				t.Errorf("body = %v", body)
			}
			if body["count"] != float64(tt.n) {
				t.Errorf("count = %v", body["count"])
			}
		})
	}

	h := newHarness(t)
	h.do(t, "POST", "/api/v1/email-accounts/acc-1/ingest", domain.GlobalRoleUser, map[string]any{"since": since.Format(time.RFC3339)})
	if h.accounts.since == nil || !h.accounts.since.Equal(since) {
		t.Errorf("since = %v", h.accounts.since)
	}
}

func TestListEmailsParsesFilters(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, "GET", "/api/v1/emails?projectId=P&status=open&spamStatus=not_spam&search=invoice&limit=10&offset=20", domain.GlobalRoleUser, nil)
	if status != 200 {
		t.Fatalf("status = %d %v", status, body)
	}
	f := h.visibility.filter
	if f.ProjectID == nil || *f.ProjectID != "P" || *f.Status != domain.StatusOpen || *f.SpamStatus != domain.SpamStatusNotSpam || f.Search != "invoice" {
		t.Errorf("filter = %+v", f)
	}
	if h.visibility.page != (in.Page{Limit: 10, Offset: 20}) {
		t.Errorf("page = %+v", h.visibility.page)
	}
	meta := body["meta"].(map[string]any)
	if meta["total"] != float64(120) || meta["has_more"] != true {
		t.Errorf("meta = %v", meta)
	}

	status, body = h.do(t, "GET", "/api/v1/emails?spamStatus=junk", domain.GlobalRoleUser, nil)
	if status != 400 || errorCode(body) != "INVALID_INPUT" {
		t.Errorf("invalid filter = %d %v", status, body)
	}
}

func TestGetEmailRespectsVisibility(t *testing.T) {
	h := newHarness(t)
	if status, _ := h.do(t, "GET", "/api/v1/emails/m1", domain.GlobalRoleUser, nil); status != 200 {
		t.Errorf("visible message status = %d", status)
	}
	if status, _ := h.do(t, "GET", "/api/v1/emails/hidden", domain.GlobalRoleUser, nil); status != 404 {
		t.Errorf("hidden message status = %d", status)
	}
	if status, _ := h.do(t, "POST", "/api/v1/emails/hidden/classify", domain.GlobalRoleUser, nil); status != 404 {
		t.Errorf("classify hidden status = %d", status)
	}
	if status, _ := h.do(t, "POST", "/api/v1/emails/m1/classify", domain.GlobalRoleUser, nil); status != 200 {
		t.Errorf("classify visible status = %d", status)
	}
}

func TestClassifyBatchSkipsHidden(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, "POST", "/api/v1/emails/classify", domain.GlobalRoleUser, map[string]any{"ids": []string{"m1", "hidden", "m2"}})
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if len(h.processor.batchIDs) != 2 {
		t.Errorf("processed ids = %v", h.processor.batchIDs)
	}
	data := body["data"].(map[string]any)
	if data["processed"] != float64(2) || data["failed"] != float64(1) {
		t.Errorf("result = %v", data)
	}

	status, _ = h.do(t, "POST", "/api/v1/emails/classify", domain.GlobalRoleUser, map[string]any{"ids": []string{}})
	if status != 400 {
		t.Errorf("empty ids status = %d", status)
	}
}

func TestProcessUnprocessedRequiresSuperUser(t *testing.T) {
	h := newHarness(t)
	if status, _ := h.do(t, "POST", "/api/v1/emails/process-unprocessed", domain.GlobalRoleUser, nil); status != 403 {
		t.Errorf("user status = %d", status)
	}
	if h.processor.swept {
		t.Error("sweep ran for a regular user")
	}
	if status, _ := h.do(t, "POST", "/api/v1/emails/process-unprocessed", domain.GlobalRoleSuperUser, nil); status != 200 || !h.processor.swept {
		t.Errorf("super user status = %d", status)
	}
}

func TestMarkSpamStatus(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, "PATCH", "/api/v1/emails/spam-status", domain.GlobalRoleUser, map[string]any{"ids": []string{"m1", "m2"}, "spamStatus": "spam"})
	if status != 200 || h.processor.status != domain.SpamStatusSpam || len(h.processor.marked) != 2 {
		t.Errorf("status = %d marked = %v", status, h.processor.marked)
	}

	h.processor.marked = nil
	status, _ = h.do(t, "PATCH", "/api/v1/emails/spam-status", domain.GlobalRoleUser, map[string]any{"ids": []string{"m1", "hidden"}, "spamStatus": "not_spam"})
	if status != 404 || h.processor.marked != nil {
		t.Errorf("one hidden id should reject the batch, status = %d", status)
	}

	status, _ = h.do(t, "PATCH", "/api/v1/emails/spam-status", domain.GlobalRoleUser, map[string]any{"ids": []string{"m1"}, "spamStatus": "ham"})
	if status != 400 {
		t.Errorf("invalid status = %d", status)
	}
}

func TestToAppError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.ErrNotFound, 404},
		{fmt.Errorf("wrap: %w", domain.ErrInvalidCredentials), 400},
		{domain.ErrIngestionInProgress, 409},
		{&domain.ConnectionError{Provider: domain.ProviderGmail, Diagnostic: "token revoked"}, 502},
		{&domain.CredentialsError{AccountID: "a", Err: errors.New("bad")}, 422},
		{&domain.QuotaError{Provider: domain.ProviderGmail, StatusCode: 429, RetryAfter: 3 * time.Second}, 429},
		{out.NewProviderError(domain.ProviderOutlook, out.ProviderErrServer, 503, "list failed", errors.New("down")), 502},
		{context.DeadlineExceeded, 504},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		var appErr interface{ HTTPStatus() int }
		if !errors.As(toAppError(tt.err, "thing"), &appErr) || appErr.HTTPStatus() != tt.status {
			t.Errorf("toAppError(%v) status mismatch, want %d", tt.err, tt.status)
		}
	}
}

func TestDownloadAttachment(t *testing.T) {
	h := newHarness(t)
	token, err := middleware.IssueToken(secret, "user-1", domain.GlobalRoleUser, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"visible message", "/api/v1/emails/m1/attachments/att-1", 200, "%PDF-1.4"},
		{"hidden message", "/api/v1/emails/m3/attachments/att-1", 404, ""},
		{"unknown attachment", "/api/v1/emails/m1/attachments/att-9", 404, ""},
		{"not yet stored", "/api/v1/emails/m1/attachments/att-2", 404, ""},
		{"missing file", "/api/v1/emails/m2/attachments/att-1", 500, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := h.app.Test(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != 200 {
				return
			}
			raw, _ := io.ReadAll(resp.Body)
			if string(raw) != tt.body {
				t.Errorf("body = %q, want %q", raw, tt.body)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
				t.Errorf("content type = %q", ct)
			}
			if cd := resp.Header.Get("Content-Disposition"); cd != "attachment; filename=report.pdf" {
				t.Errorf("content disposition = %q", cd)
			}
		})
	}
}
