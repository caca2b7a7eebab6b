package provider

import (
	"errors"
	"strings"
	"testing"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

const multipartMessage = "From: \"Ops Team\" <ops@example.com>\r\n" +
	"To: a@example.com, \"B\" <b@example.com>\r\n" +
	"Cc: c@example.com\r\n" +
	"Subject: =?UTF-8?B?UXVhcnRlcmx5IHJlcG9ydA==?=\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-ID: <root-2@example.com>\r\n" +
	"In-Reply-To: <root-1@example.com>\r\n" +
	"References: <root-0@example.com> <root-1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hello <b>team</b></p>\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\r\n" +
	"\r\n" +
	"first attachment\r\n" +
	"--XYZ\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4\r\n" +
	"--XYZ--\r\n"

func TestParseMIME(t *testing.T) {
	m, data, err := parseMIME([]byte(multipartMessage), 0)
	if err != nil {
		t.Fatalf("parseMIME: %v", err)
	}
	if data != nil {
		t.Errorf("no attachment requested, got %q", data)
	}

	if m.Subject != "Quarterly report" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if m.MessageID != "root-2@example.com" {
		t.Errorf("MessageID = %q", m.MessageID)
	}
	if m.InReplyTo != "root-1@example.com" {
		t.Errorf("InReplyTo = %q", m.InReplyTo)
	}
	if len(m.References) != 2 || m.References[0] != "root-0@example.com" {
		t.Errorf("References = %v", m.References)
	}
	if len(m.From) != 1 || m.From[0].Name != "Ops Team" || m.From[0].Email != "ops@example.com" {
		t.Errorf("From = %+v", m.From)
	}
	if len(m.To) != 2 || len(m.Cc) != 1 || len(m.Bcc) != 0 {
		t.Errorf("To=%v Cc=%v Bcc=%v", m.To, m.Cc, m.Bcc)
	}
	if !strings.Contains(m.HTML, "<b>team</b>") {
		t.Errorf("HTML = %q", m.HTML)
	}
	if m.Text != "" {
		t.Errorf("attachment text part leaked into body: %q", m.Text)
	}

	if len(m.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(m.Attachments))
	}
	if m.Attachments[0].Ordinal != 1 || m.Attachments[0].Filename != "notes.txt" {
		t.Errorf("first attachment = %+v", m.Attachments[0])
	}
	if m.Attachments[1].Ordinal != 2 || m.Attachments[1].ContentType != "application/pdf" {
		t.Errorf("second attachment = %+v", m.Attachments[1])
	}
}

func TestParseMIMEAttachmentByOrdinal(t *testing.T) {
	tests := []struct {
		name    string
		ordinal int
		want    string
		wantErr error
	}{
		{"first", 1, "first attachment", nil},
		{"second", 2, "%PDF-1.4", nil},
		{"out of range", 3, "", errAttachmentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, data, err := parseMIME([]byte(multipartMessage), tt.ordinal)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMIME: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, data)
			}
		})
	}
}

func TestParseMIMEPlainText(t *testing.T) {
	raw := "From: x@example.com\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\njust text\r\n"
	m, _, err := parseMIME([]byte(raw), 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(m.Text) != "just text" || m.HTML != "" || len(m.Attachments) != 0 {
		t.Errorf("unexpected parse: %+v", m)
	}
	if m.MessageID != "" {
		t.Errorf("MessageID = %q, want empty", m.MessageID)
	}
}

func TestIMAPConvertFallbackID(t *testing.T) {
	raw := "From: x@example.com\r\nSubject: no id\r\nContent-Type: text/html\r\n\r\n<p>only html</p>\r\n"
	a := &IMAPAdapter{cfg: out.AdapterConfig{AccountID: "acc-1"}, uidValidity: 77}

	fm, err := a.convert(12, time.Time{}, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if fm.ProviderMessageID != "acc-1:77-12" {
		t.Errorf("ProviderMessageID = %q, want acc-1:77-12", fm.ProviderMessageID)
	}
	if fm.FetchRef != "12" {
		t.Errorf("FetchRef = %q", fm.FetchRef)
	}
	if fm.ThreadID != "acc-1:77-12" {
		t.Errorf("ThreadID = %q", fm.ThreadID)
	}
	if fm.TextBody != "only html" {
		t.Errorf("TextBody should be derived from HTML, got %q", fm.TextBody)
	}

	// Same UIDVALIDITY and UID in another mailbox must not collide.
	other := &IMAPAdapter{cfg: out.AdapterConfig{AccountID: "acc-2"}, uidValidity: 77}
	fm2, err := other.convert(12, time.Time{}, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if fm2.ProviderMessageID == fm.ProviderMessageID {
		t.Errorf("fallback ids collide across accounts: %q", fm.ProviderMessageID)
	}
}

func TestIMAPConvertAttachmentIDs(t *testing.T) {
	a := &IMAPAdapter{uidValidity: 1}
	fm, err := a.convert(5, time.Time{}, []byte(multipartMessage))
	if err != nil {
		t.Fatal(err)
	}
	if fm.ProviderMessageID != "root-2@example.com" {
		t.Errorf("ProviderMessageID = %q", fm.ProviderMessageID)
	}
	if fm.ThreadID != "root-0@example.com" {
		t.Errorf("ThreadID = %q", fm.ThreadID)
	}
	want := []out.FetchedAttachment{
		{ProviderAttachmentID: "1", Filename: "notes.txt"},
		{ProviderAttachmentID: "2", Filename: "report.pdf"},
	}
	if len(fm.Attachments) != len(want) {
		t.Fatalf("attachments = %+v", fm.Attachments)
	}
	for i, w := range want {
		got := fm.Attachments[i]
		if got.ProviderAttachmentID != w.ProviderAttachmentID || got.Filename != w.Filename {
			t.Errorf("attachment %d = %+v", i, got)
		}
	}
	if fm.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should fall back to the Date header")
	}
}

func TestParseAddressList(t *testing.T) {
	tests := []struct {
		in   string
		want []domain.Address
	}{
		{"", nil},
		{"a@example.com", []domain.Address{{Email: "a@example.com"}}},
		{`"Doe, Jane" <jane@example.com>, bob@example.com`, []domain.Address{
			{Name: "Doe, Jane", Email: "jane@example.com"},
			{Email: "bob@example.com"},
		}},
		{"Broken Name <x@example.com>, not an address", []domain.Address{
			{Name: "Broken Name", Email: "x@example.com"},
			{Email: "not an address"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := parseAddressList(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("address %d: expected %+v, got %+v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestThreadKey(t *testing.T) {
	if got := threadKey([]string{"a", "b"}, "b", "c"); got != "a" {
		t.Errorf("got %q", got)
	}
	if got := threadKey(nil, "b", "c"); got != "b" {
		t.Errorf("got %q", got)
	}
	if got := threadKey(nil, "", "c"); got != "c" {
		t.Errorf("got %q", got)
	}
}

func TestSplitMessageIDs(t *testing.T) {
	got := splitMessageIDs(" <a@x> <b@y>\r\n <c@z>")
	if len(got) != 3 || got[0] != "a@x" || got[2] != "c@z" {
		t.Errorf("got %v", got)
	}
}
