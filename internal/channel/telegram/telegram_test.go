package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sala "github.com/nitad/sala"
)

// fakeBotAPI serves enough of the Bot API for the adapter.
type fakeBotAPI struct {
	mu       sync.Mutex
	updates  []update
	sent     []map[string]any
	edits    []map[string]any
	actions  int
	authFail bool
}

func (f *fakeBotAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch method {
		case "getMe":
			if f.authFail {
				writeResult(w, false, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			writeResult(w, true, 0, "", map[string]any{"id": 1, "is_bot": true})
		case "getUpdates":
			batch := f.updates
			f.updates = nil
			writeResult(w, true, 0, "", batch)
		case "sendMessage":
			f.sent = append(f.sent, body)
			writeResult(w, true, 0, "", message{MessageID: int64(len(f.sent))})
		case "editMessageText":
			f.edits = append(f.edits, body)
			if body["text"] == "same" {
				writeResult(w, false, 400, "Bad Request: message is not modified", nil)
				return
			}
			writeResult(w, true, 0, "", nil)
		case "sendChatAction":
			f.actions++
			writeResult(w, true, 0, "", true)
		default:
			writeResult(w, false, 404, "unknown method "+method, nil)
		}
	})
	return mux
}

func writeResult(w http.ResponseWriter, ok bool, code int, desc string, result any) {
	resp := map[string]any{"ok": ok}
	if !ok {
		resp["error_code"] = code
		resp["description"] = desc
	}
	if result != nil {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestAdapter(t *testing.T, api *fakeBotAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	a, err := New("test-token", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestRunDeliversInboundEvents(t *testing.T) {
	api := &fakeBotAPI{
		updates: []update{{
			UpdateID: 7,
			Message: &message{
				MessageID: 100,
				Chat:      chat{ID: 42},
				From:      &user{ID: 9, FirstName: "Nid"},
				Date:      1700000000,
				Text:      "สวัสดีครับ",
			},
		}},
	}
	a := newTestAdapter(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	select {
	case ev := <-a.Events():
		if ev.ChatID != "tg:42" {
			t.Errorf("chat id = %s", ev.ChatID)
		}
		if ev.Content != "สวัสดีครับ" || ev.Sender != "9" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	if a.State() != sala.ChannelConnected {
		t.Errorf("state = %s", a.State())
	}
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	long := strings.Repeat("line of text\n", 700) // > 4096 chars
	if _, err := a.SendText(context.Background(), "tg:42", long); err != nil {
		t.Fatalf("send: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) < 2 {
		t.Fatalf("long text sent as %d messages", len(api.sent))
	}
	var total int
	for _, m := range api.sent {
		text := m["text"].(string)
		if len(text) > maxMessageLength {
			t.Errorf("chunk of %d chars exceeds limit", len(text))
		}
		if m["chat_id"] != "42" {
			t.Errorf("chat id sent as %v, prefix not stripped", m["chat_id"])
		}
		total += len(text)
	}
	if total != len(long) {
		t.Errorf("reassembled %d chars, want %d", total, len(long))
	}
}

func TestEditIgnoresNotModified(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	if err := a.EditText(context.Background(), "tg:42", "5", "same"); err != nil {
		t.Errorf("not-modified edit surfaced: %v", err)
	}
	if err := a.EditText(context.Background(), "tg:42", "5", "changed"); err != nil {
		t.Errorf("edit: %v", err)
	}
}

func TestAuthFailureLogsOut(t *testing.T) {
	api := &fakeBotAPI{authFail: true}
	a := newTestAdapter(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	if err == nil {
		t.Fatal("auth failure produced no error")
	}
	if a.State() != sala.ChannelLoggedOut {
		t.Errorf("state = %s, want logged_out", a.State())
	}
}

func TestDisconnectedPayloadBuffered(t *testing.T) {
	api := &fakeBotAPI{}
	a := newTestAdapter(t, api)

	// Never connected: the payload must buffer, not error.
	err := a.SendPayload(context.Background(), "tg:42", sala.Payload{Kind: sala.PayloadText, Text: "queued"})
	if err != nil {
		t.Fatalf("buffered send errored: %v", err)
	}
	if a.outbox.Len() != 1 {
		t.Fatalf("outbox = %d, want 1", a.outbox.Len())
	}

	// Connecting flushes the buffer in order.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		api.mu.Lock()
		n := len(api.sent)
		api.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("buffered payload never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMapEventPicksLargestPhoto(t *testing.T) {
	m := &message{
		MessageID: 1,
		Chat:      chat{ID: 5},
		Caption:   "see photo",
		Photo: []photoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "large", Width: 1280, Height: 960},
		},
	}
	ev := mapEvent(m)
	if len(ev.Attachments) != 1 || ev.Attachments[0].FileID != "large" {
		t.Errorf("attachments = %+v", ev.Attachments)
	}
	if ev.Content != "see photo" {
		t.Errorf("caption not promoted to content: %q", ev.Content)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 4000) + "\n" + strings.Repeat("b", 4000)
	chunks := splitMessage(text)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk does not end at the newline")
	}
	if rejoined := strings.Join(chunks, ""); rejoined != text {
		t.Error("chunks do not reassemble the original")
	}
}

func TestRawChatID(t *testing.T) {
	for in, want := range map[string]string{"tg:42": "42", "42": "42"} {
		if got := rawChatID(in); got != want {
			t.Errorf("rawChatID(%q) = %q, want %q", in, got, want)
		}
	}
}
