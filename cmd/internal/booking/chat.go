package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"triptask/cmd/internal/transport"
	v1 "triptask/shared/contracts/realtime/v1"
)

// ErrEmptyMessage is returned when a message has neither text nor files.
var ErrEmptyMessage = errors.New("message has no text and no attachments")

const maxUploadBytes = 25 << 20

// ChatAPI talks to the /chats endpoints.
type ChatAPI struct {
	t    *transport.Client
	auth Authorizer
	log  *slog.Logger
}

func NewChatAPI(t *transport.Client, auth Authorizer, log *slog.Logger) *ChatAPI {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &ChatAPI{t: t, auth: auth, log: log}
}

// History returns the stored messages of a booking, oldest first. A body
// that is not an array yields no messages.
func (c *ChatAPI) History(ctx context.Context, bookingID string) ([]ChatMessage, error) {
	var raw json.RawMessage
	err := c.auth.Do(ctx, func(ctx context.Context, token string) error {
		return c.t.Do(ctx, transport.Request{
			Method: http.MethodGet,
			Path:   "/chats/" + url.PathEscape(bookingID),
			Route:  "/chats/{id}",
			Token:  token,
		}, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("chat history %s: %w", bookingID, err)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return []ChatMessage{}, nil
	}
	var out []ChatMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("chat history %s: %w", bookingID, err)
	}
	return out, nil
}

// File is a local file to attach to a message.
type File struct {
	Name     string
	MimeType string
	Body     io.Reader
}

// Upload posts one file as multipart form field "file".
func (c *ChatAPI) Upload(ctx context.Context, f File) (Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(f.Body, maxUploadBytes+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("upload %s: read: %w", f.Name, err)
	}
	if len(data) > maxUploadBytes {
		return Attachment{}, fmt.Errorf("upload %s: file exceeds %d bytes", f.Name, maxUploadBytes)
	}

	var out struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
	err = c.auth.Do(ctx, func(ctx context.Context, token string) error {
		body, contentType, err := multipartBody(f, data)
		if err != nil {
			return err
		}
		return c.t.Do(ctx, transport.Request{
			Method:      http.MethodPost,
			Path:        "/chats/upload",
			Token:       token,
			RawBody:     body,
			ContentType: contentType,
		}, &out)
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	if out.URL == "" {
		return Attachment{}, fmt.Errorf("upload %s: response carried no url", f.Name)
	}

	name := out.Name
	if name == "" {
		name = f.Name
	}
	return Attachment{URL: out.URL, MimeType: f.MimeType, Name: name}, nil
}

func multipartBody(f File, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Name))
	mimeType := f.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// OutgoingMessage is a message about to be sent.
type OutgoingMessage struct {
	BookingID   string
	Sender      string
	Text        string
	ClientMsgID string
}

type sendBody struct {
	TaskID      string          `json:"taskId"`
	Sender      string          `json:"sender"`
	Text        string          `json:"text"`
	FileURLs    []v1.Attachment `json:"fileUrls"`
	ClientMsgID string          `json:"clientMsgId,omitempty"`
}

// Send uploads files, then posts the message. A failed upload is logged and
// skipped; the message still goes out with the remaining files. The
// returned id is the client message id the message was stamped with.
func (c *ChatAPI) Send(ctx context.Context, msg OutgoingMessage, files ...File) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(files) == 0 {
		return "", ErrEmptyMessage
	}
	if msg.ClientMsgID == "" {
		msg.ClientMsgID = uuid.NewString()
	}

	attachments := make([]Attachment, 0, len(files))
	for _, f := range files {
		a, err := c.Upload(ctx, f)
		if err != nil {
			c.log.Warn("chat.upload.fail", "booking_id", msg.BookingID, "file", f.Name, "err", err)
			continue
		}
		attachments = append(attachments, a)
	}

	body := sendBody{
		TaskID:      msg.BookingID,
		Sender:      msg.Sender,
		Text:        text,
		FileURLs:    attachmentsToWire(attachments),
		ClientMsgID: msg.ClientMsgID,
	}
	err := c.auth.Do(ctx, func(ctx context.Context, token string) error {
		return c.t.Do(ctx, transport.Request{Method: http.MethodPost, Path: "/chats", Token: token, Body: body}, nil)
	})
	if err != nil {
		return "", fmt.Errorf("send message %s: %w", msg.BookingID, err)
	}
	c.log.Debug("chat.send.ok", "booking_id", msg.BookingID, "client_msg_id", msg.ClientMsgID, "files", len(attachments))
	return msg.ClientMsgID, nil
}
