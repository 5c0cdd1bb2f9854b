package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestChatHistory(t *testing.T) {
	tc := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chats/1":
			_, _ = io.WriteString(w, `[{"sender":"a","text":"hi","file_urls":[{"url":"u","type":"image/png","name":"p.png"}],"timestamp":"2024-05-01T10:00:00Z"}]`)
		default:
			_, _ = io.WriteString(w, `{"message":"no chat yet"}`)
		}
	})
	chat := NewChatAPI(tc, staticAuth("tok"), nil)

	msgs, err := chat.History(context.Background(), "1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Attachments[0].MimeType != "image/png" || msgs[0].Time().IsZero() {
		t.Fatalf("msgs=%+v", msgs)
	}

	msgs, err = chat.History(context.Background(), "2")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("non-array history msgs=%v err=%v", msgs, err)
	}
}

func TestChatSendSkipsFailedUploads(t *testing.T) {
	var posted sendBody
	tc := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chats/upload":
			f, hdr, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "no file", http.StatusBadRequest)
				return
			}
			_ = f.Close()
			if hdr.Filename == "broken.pdf" {
				http.Error(w, "storage down", http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn/" + hdr.Filename})
		case "/chats":
			_ = json.NewDecoder(r.Body).Decode(&posted)
			w.WriteHeader(http.StatusCreated)
		}
	})
	chat := NewChatAPI(tc, staticAuth("tok"), nil)

	id, err := chat.Send(context.Background(),
		OutgoingMessage{BookingID: "4", Sender: "cust", Text: "receipt attached"},
		File{Name: "photo.png", MimeType: "image/png", Body: strings.NewReader("png")},
		File{Name: "broken.pdf", MimeType: "application/pdf", Body: strings.NewReader("pdf")},
	)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id == "" || posted.ClientMsgID != id {
		t.Fatalf("client msg id=%q posted=%q", id, posted.ClientMsgID)
	}
	if posted.TaskID != "4" || len(posted.FileURLs) != 1 || posted.FileURLs[0].URL != "https://cdn/photo.png" {
		t.Fatalf("posted=%+v", posted)
	}
	if posted.FileURLs[0].Type != "image/png" || posted.FileURLs[0].Name != "photo.png" {
		t.Fatalf("attachment=%+v", posted.FileURLs[0])
	}
}

func TestChatSendEmpty(t *testing.T) {
	chat := NewChatAPI(nil, staticAuth("tok"), nil)
	_, err := chat.Send(context.Background(), OutgoingMessage{BookingID: "4", Text: "   "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v want ErrEmptyMessage", err)
	}
}
