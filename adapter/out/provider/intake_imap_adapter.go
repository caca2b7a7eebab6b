package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/textutil"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	imapMailbox     = "INBOX"
	imapFetchChunk  = 50
	imapDialTimeout = 30 * time.Second
)

// IMAPAdapter reads INBOX over IMAP4rev1/rev2. imapclient commands have no
// deadline of their own, so every operation closes the connection when its
// context ends.
type IMAPAdapter struct {
	cfg         out.AdapterConfig
	conn        net.Conn // raw TCP connection, closed by guard
	client      *imapclient.Client
	uidValidity uint32
	severed     atomic.Bool
}

// NewIMAPAdapter creates an unconnected adapter.
func NewIMAPAdapter(cfg out.AdapterConfig) *IMAPAdapter {
	return &IMAPAdapter{cfg: cfg}
}

func (a *IMAPAdapter) Kind() domain.ProviderKind {
	return domain.ProviderIMAP
}

func (a *IMAPAdapter) addr() string {
	return net.JoinHostPort(a.cfg.Credentials.Host, strconv.Itoa(a.cfg.Credentials.IMAPPort()))
}

// Connect dials, logs in and selects INBOX.
func (a *IMAPAdapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	creds := a.cfg.Credentials
	addr := a.addr()

	dialer := &net.Dialer{Timeout: imapDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.ConnectionError{
			Provider:   domain.ProviderIMAP,
			Diagnostic: fmt.Sprintf("IMAP server %s is unreachable", addr),
			Transient:  true,
			Err:        err,
		}
	}
	a.conn = conn
	a.severed.Store(false)
	stop := a.guard(ctx)
	defer stop()

	fail := func(diagnostic string, transient bool, err error) error {
		_ = conn.Close()
		a.conn = nil
		if a.severed.Load() && ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.ConnectionError{
			Provider:   domain.ProviderIMAP,
			Diagnostic: diagnostic,
			Transient:  transient,
			Err:        err,
		}
	}

	tlsConfig := &tls.Config{ServerName: creds.Host, MinVersion: tls.VersionTLS12}
	var client *imapclient.Client
	if creds.UseTLS() {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fail(fmt.Sprintf("IMAP server %s refused TLS", addr), true, err)
		}
		client = imapclient.New(tlsConn, nil)
	} else {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
		if err != nil {
			return fail(fmt.Sprintf("IMAP server %s refused STARTTLS", addr), true, err)
		}
	}

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		return fail(fmt.Sprintf("IMAP login rejected for %s, check username and password", creds.Username), false, err)
	}

	sel, err := client.Select(imapMailbox, nil).Wait()
	if err != nil {
		return fail("could not open "+imapMailbox, false, err)
	}

	a.client = client
	a.uidValidity = sel.UIDValidity
	logger.WithField("account_id", a.cfg.AccountID).Debug("[IMAPAdapter] connected to %s, %d messages in %s", addr, sel.NumMessages, imapMailbox)
	return nil
}

// guard closes the connection if ctx ends before the returned stop func is
// called. A severed connection cannot be reused.
func (a *IMAPAdapter) guard(ctx context.Context) func() bool {
	conn := a.conn
	return context.AfterFunc(ctx, func() {
		a.severed.Store(true)
		_ = conn.Close()
	})
}

// cause prefers the context error once the guard has cut the connection.
func (a *IMAPAdapter) cause(ctx context.Context, err error) error {
	if a.severed.Load() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// FetchEmails searches INBOX by date and fetches full bodies in chunks.
func (a *IMAPAdapter) FetchEmails(ctx context.Context, since *time.Time) ([]out.FetchedMessage, error) {
	if a.client == nil || a.severed.Load() {
		return nil, errors.New("imap: not connected")
	}
	stop := a.guard(ctx)
	defer stop()

	criteria := &imap.SearchCriteria{}
	if since != nil {
		criteria.Since = *since
	} else {
		warnFullFetch(domain.ProviderIMAP, a.cfg.AccountID)
	}

	data, err := a.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, a.cause(ctx, fmt.Errorf("imap search failed: %w", err))
	}
	uids := data.AllUIDs()

	results := make([]out.FetchedMessage, 0, len(uids))
	for start := 0; start < len(uids); start += imapFetchChunk {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		end := start + imapFetchChunk
		if end > len(uids) {
			end = len(uids)
		}

		chunk, err := a.fetchChunk(uids[start:end], since)
		results = append(results, chunk...)
		if err != nil {
			if a.severed.Load() {
				return results, a.cause(ctx, err)
			}
			if len(results) == 0 {
				return nil, err
			}
			logger.WithError(err).Warn("[IMAPAdapter] fetch stopped after %d messages", len(results))
			break
		}
	}

	return results, nil
}

func (a *IMAPAdapter) fetchChunk(uids []imap.UID, since *time.Time) ([]out.FetchedMessage, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	cmd := a.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	var results []out.FetchedMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			logger.WithError(err).Warn("[IMAPAdapter] skipping unreadable message")
			continue
		}
		// SEARCH SINCE has day granularity
		if since != nil && !buf.InternalDate.IsZero() && buf.InternalDate.Before(*since) {
			continue
		}

		raw := buf.FindBodySection(section)
		if raw == nil {
			logger.WithField("uid", buf.UID).Warn("[IMAPAdapter] message has no body section")
			continue
		}
		fm, err := a.convert(buf.UID, buf.InternalDate, raw)
		if err != nil {
			logger.WithError(err).WithField("uid", buf.UID).Warn("[IMAPAdapter] skipping message that failed to parse")
			continue
		}
		results = append(results, fm)
	}

	if err := cmd.Close(); err != nil {
		return results, fmt.Errorf("imap fetch failed: %w", err)
	}
	return results, nil
}

func (a *IMAPAdapter) convert(uid imap.UID, internalDate time.Time, raw []byte) (out.FetchedMessage, error) {
	m, _, err := parseMIME(raw, 0)
	if err != nil {
		return out.FetchedMessage{}, err
	}

	id := m.MessageID
	if id == "" {
		// UIDVALIDITY is only unique per mailbox
		id = fmt.Sprintf("%s:%d-%d", a.cfg.AccountID, a.uidValidity, uid)
	}
	received := internalDate
	if received.IsZero() {
		received = m.Date
	}

	fm := out.FetchedMessage{
		ProviderMessageID: id,
		FetchRef:          strconv.FormatUint(uint64(uid), 10),
		ThreadID:          threadKey(m.References, m.InReplyTo, id),
		MessageIDHeader:   m.MessageID,
		InReplyTo:         m.InReplyTo,
		References:        m.References,
		Subject:           m.Subject,
		TextBody:          textutil.BodyText(m.Text, m.HTML),
		HTMLBody:          m.HTML,
		From:              m.From,
		To:                m.To,
		Cc:                m.Cc,
		Bcc:               m.Bcc,
		ReceivedAt:        received,
	}
	for _, att := range m.Attachments {
		fm.Attachments = append(fm.Attachments, out.FetchedAttachment{
			ProviderAttachmentID: strconv.Itoa(att.Ordinal),
			Filename:             att.Filename,
			ContentType:          att.ContentType,
			Size:                 att.Size,
		})
	}
	return fm, nil
}

// DownloadAttachment re-fetches the message by UID and returns the bytes of
// the attachment with the given ordinal.
func (a *IMAPAdapter) DownloadAttachment(ctx context.Context, messageRef, attachmentID string) ([]byte, error) {
	if a.client == nil || a.severed.Load() {
		return nil, errors.New("imap: not connected")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := a.guard(ctx)
	defer stop()

	uid, err := strconv.ParseUint(messageRef, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("imap: invalid message ref %q: %w", messageRef, err)
	}
	ordinal, err := strconv.Atoi(attachmentID)
	if err != nil || ordinal < 1 {
		return nil, fmt.Errorf("imap: invalid attachment id %q", attachmentID)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	cmd := a.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer cmd.Close()

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, a.cause(ctx, fmt.Errorf("imap fetch failed: %w", err))
		}
		return nil, fmt.Errorf("imap: message uid %d not found", uid)
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, a.cause(ctx, fmt.Errorf("imap: failed to fetch uid %d: %w", uid, err))
	}
	if err := cmd.Close(); err != nil {
		return nil, a.cause(ctx, fmt.Errorf("imap fetch failed: %w", err))
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("imap: uid %d returned no body", uid)
	}
	_, data, err := parseMIME(raw, ordinal)
	return data, err
}

// Disconnect logs out and closes the connection. Safe to call twice.
func (a *IMAPAdapter) Disconnect(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	client := a.client
	a.client = nil
	if a.severed.Load() {
		a.conn = nil
		return client.Close()
	}
	stop := a.guard(ctx)
	defer stop()
	a.conn = nil

	logoutErr := client.Logout().Wait()
	closeErr := client.Close()
	if logoutErr != nil {
		return fmt.Errorf("imap logout: %w", logoutErr)
	}
	return closeErr
}

var _ out.MailProvider = (*IMAPAdapter)(nil)
