package provider

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"intake_server/core/domain"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// mimeMessage is a parsed RFC 5322 message.
type mimeMessage struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	Date       time.Time

	From []domain.Address
	To   []domain.Address
	Cc   []domain.Address
	Bcc  []domain.Address

	Text string
	HTML string

	Attachments []mimeAttachment
}

// mimeAttachment is numbered by its 1-based position among attachment parts.
type mimeAttachment struct {
	Ordinal     int
	Filename    string
	ContentType string
	Size        int64
}

var errAttachmentNotFound = errors.New("attachment part not found")

// parseMIME walks raw. When want > 0 the bytes of attachment number want
// are returned as well.
func parseMIME(raw []byte, want int) (*mimeMessage, []byte, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &mimeMessage{}

	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	msg.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	msg.References, _ = h.MsgIDList("References")

	msg.From = addressHeader(h, "From")
	msg.To = addressHeader(h, "To")
	msg.Cc = addressHeader(h, "Cc")
	msg.Bcc = addressHeader(h, "Bcc")

	var wanted []byte
	ordinal := 0
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// keep what was readable so far
			if msg.Text == "" && msg.HTML == "" && len(msg.Attachments) == 0 {
				return nil, nil, fmt.Errorf("failed to read part: %w", err)
			}
			break
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			name := params["name"]
			if name == "" {
				_, dparams, _ := ph.ContentDisposition()
				name = dparams["filename"]
			}
			isText := strings.HasPrefix(ct, "text/plain") || strings.HasPrefix(ct, "text/html")
			if isText && name == "" {
				body, err := io.ReadAll(p.Body)
				if err != nil {
					continue
				}
				if strings.HasPrefix(ct, "text/html") {
					if msg.HTML == "" {
						msg.HTML = string(body)
					}
				} else if msg.Text == "" {
					msg.Text = string(body)
				}
				continue
			}
			if name == "" {
				continue
			}
			ordinal++
			data, err := readAttachment(p.Body, ordinal == want)
			if err != nil {
				continue
			}
			if ordinal == want {
				wanted = data.bytes
			}
			msg.Attachments = append(msg.Attachments, mimeAttachment{
				Ordinal:     ordinal,
				Filename:    name,
				ContentType: ct,
				Size:        data.size,
			})

		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			ordinal++
			data, err := readAttachment(p.Body, ordinal == want)
			if err != nil {
				continue
			}
			if ordinal == want {
				wanted = data.bytes
			}
			msg.Attachments = append(msg.Attachments, mimeAttachment{
				Ordinal:     ordinal,
				Filename:    name,
				ContentType: ct,
				Size:        data.size,
			})
		}
	}

	if want > 0 && wanted == nil {
		return msg, nil, fmt.Errorf("%w: #%d", errAttachmentNotFound, want)
	}
	return msg, wanted, nil
}

type partData struct {
	bytes []byte
	size  int64
}

func readAttachment(r io.Reader, keep bool) (partData, error) {
	if keep {
		b, err := io.ReadAll(r)
		if err != nil {
			return partData{}, err
		}
		return partData{bytes: b, size: int64(len(b))}, nil
	}
	n, err := io.Copy(io.Discard, r)
	return partData{size: n}, err
}

func addressHeader(h mail.Header, key string) []domain.Address {
	list, err := h.AddressList(key)
	if err == nil {
		return toAddresses(list)
	}
	return parseAddressList(h.Get(key))
}
