package spooler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type MailAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type MailMessage struct {
	// ID identifies the message inside its mailbox (for MarkProcessed).
	ID          string
	MessageID   string
	From        string
	Subject     string
	Date        time.Time
	Attachments []MailAttachment
}

// Mailbox is a source of unprocessed mail.
type Mailbox interface {
	Fetch(ctx context.Context, limit int) ([]MailMessage, error)
	MarkProcessed(ctx context.Context, id string) error
}

// Maildir reads messages delivered into a maildir: new/ always, cur/ too
// when IncludeCur is set (messages there without the S flag).
type Maildir struct {
	Root       string
	IncludeCur bool
	log        zerolog.Logger
}

func NewMaildir(root string, includeCur bool, logger zerolog.Logger) (*Maildir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, &ValidationError{Field: "mail.maildir", Reason: "empty"}
	}
	for _, sub := range []string{"new", "cur", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return nil, err
		}
	}
	return &Maildir{Root: root, IncludeCur: includeCur, log: logger.With().Str("component", "maildir").Logger()}, nil
}

func (m *Maildir) Fetch(ctx context.Context, limit int) ([]MailMessage, error) {
	ids, err := m.pending()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]MailMessage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		raw, err := os.ReadFile(filepath.Join(m.Root, id))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return out, err
		}
		msg, err := ParseMailMessage(raw)
		if err != nil {
			m.log.Warn().Err(err).Str("id", id).Msg("unparseable message")
			continue
		}
		msg.ID = id
		out = append(out, msg)
	}
	return out, nil
}

// pending lists message ids as "new/<name>" or "cur/<name>", oldest name first.
func (m *Maildir) pending() ([]string, error) {
	dirs := []string{"new"}
	if m.IncludeCur {
		dirs = append(dirs, "cur")
	}
	var ids []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(filepath.Join(m.Root, dir))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if !e.Type().IsRegular() || strings.HasPrefix(name, ".") {
				continue
			}
			if dir == "cur" && maildirFlags(name, 'S') {
				continue
			}
			ids = append(ids, dir+"/"+name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func maildirFlags(name string, flag byte) bool {
	_, info, ok := strings.Cut(name, ":2,")
	return ok && strings.IndexByte(info, flag) >= 0
}

// MarkProcessed moves the message to cur/ with the seen flag.
func (m *Maildir) MarkProcessed(_ context.Context, id string) error {
	dir, name, ok := strings.Cut(id, "/")
	if !ok || (dir != "new" && dir != "cur") || strings.ContainsAny(name, `/\`) {
		return &ValidationError{Field: "id", Reason: fmt.Sprintf("not a maildir message id: %q", id)}
	}
	base, info, hasInfo := strings.Cut(name, ":2,")
	flags := "S"
	if hasInfo && !strings.Contains(info, "S") {
		flags = sortFlags(info + "S")
	} else if hasInfo {
		flags = info
	}
	return os.Rename(filepath.Join(m.Root, dir, name), filepath.Join(m.Root, "cur", base+":2,"+flags))
}

func sortFlags(f string) string {
	b := []byte(f)
	sort.Slice(b, func(i, j int) bool { return b[i] < b[j] })
	return string(b)
}

var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		// Unknown charsets pass through undecoded rather than failing the header.
		return input, nil
	},
}

func decodeHeader(v string) string {
	out, err := headerDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(out)
}

// ParseMailMessage parses an RFC 5322 message and extracts its attachments.
// A missing Message-ID is replaced by a generated one.
func ParseMailMessage(raw []byte) (MailMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return MailMessage{}, err
	}
	out := MailMessage{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
		From:      decodeHeader(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}
	if out.MessageID == "" {
		out.MessageID = "<" + uuid.NewString() + "@doc-spooler>"
	}
	if d, err := msg.Header.Date(); err == nil {
		out.Date = d.UTC()
	}
	if err := collectParts(mailHeader(msg.Header), msg.Body, &out.Attachments, 0); err != nil {
		return out, err
	}
	return out, nil
}

// mailHeader is the subset of header access shared by mail.Header and
// textproto.MIMEHeader.
type mailHeader interface {
	Get(key string) string
}

const maxMIMEDepth = 16

func collectParts(h mailHeader, body io.Reader, out *[]MailAttachment, depth int) error {
	if depth > maxMIMEDepth {
		return errors.New("mime nesting too deep")
	}
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return errors.New("multipart message without boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := collectParts(part.Header, part, out, depth+1); err != nil {
				return err
			}
		}
	}

	filename := attachmentFilename(h, params)
	disposition, _, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	if filename == "" && disposition != "attachment" {
		return nil
	}
	data, err := io.ReadAll(transferDecoder(h.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return fmt.Errorf("decode attachment %q: %w", filename, err)
	}
	if filename == "" {
		filename = fmt.Sprintf("attachment_%d", len(*out)+1)
	}
	*out = append(*out, MailAttachment{Filename: filename, ContentType: mediaType, Data: data})
	return nil
}

func attachmentFilename(h mailHeader, typeParams map[string]string) string {
	if _, params, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		if name := decodeHeader(params["filename"]); name != "" {
			return filepath.Base(name)
		}
	}
	if name := decodeHeader(typeParams["name"]); name != "" {
		return filepath.Base(name)
	}
	return ""
}

func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}
