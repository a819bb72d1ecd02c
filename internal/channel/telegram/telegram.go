// Package telegram is the Telegram channel adapter: long-poll ingress over
// the Bot API, HTML-formatted sends with in-place edits for streamed
// replies, and typing presence.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/channel"
)

const (
	defaultBaseURL   = "https://api.telegram.org"
	maxMessageLength = 4096
	pollTimeout      = 30 // seconds, long-poll hold
	chatPrefix       = "tg:"
	sessionName      = "telegram"
)

// Adapter implements channel.Channel for Telegram.
type Adapter struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	state  *channel.StateMachine
	typing *channel.Typing
	outbox *channel.Outbox
	vault  *channel.Vault

	events chan sala.Event
	offset int64
}

var _ channel.Channel = (*Adapter)(nil)
var _ channel.Editor = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBaseURL overrides the Bot API endpoint. Tests point it at a local
// server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(u, "/") }
}

// WithVault persists the poll offset across restarts, encrypted.
func WithVault(v *channel.Vault) Option {
	return func(a *Adapter) { a.vault = v }
}

// New creates a Telegram adapter.
func New(token string, opts ...Option) (*Adapter, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	a := &Adapter{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: (pollTimeout + 10) * time.Second},
		logger:     slog.Default(),
		typing:     channel.NewTyping(),
		outbox:     &channel.Outbox{},
		events:     make(chan sala.Event, 64),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state = channel.NewStateMachine("telegram", a.logger)
	return a, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return "telegram" }

// State returns the connection state.
func (a *Adapter) State() sala.ChannelState { return a.state.State() }

// Events delivers inbound events in arrival order.
func (a *Adapter) Events() <-chan sala.Event { return a.events }

type session struct {
	Offset int64 `json:"offset"`
}

// Run long-polls until ctx is done. Authentication failure logs the
// channel out without returning an error that would stop the process.
func (a *Adapter) Run(ctx context.Context) error {
	defer close(a.events)
	defer a.typing.Stop()

	if a.vault != nil {
		var s session
		if err := a.vault.Load(sessionName, &s); err == nil {
			a.offset = s.Offset
		}
	}

	for {
		if err := a.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isAuthError(err) {
				a.logger.Error("telegram: authentication rejected, logging out", "error", err)
				_ = a.state.To(sala.ChannelLoggedOut)
				return &sala.ErrAuth{Channel: "telegram", Reason: err.Error()}
			}
			delay, ok := a.state.NextBackoff()
			if !ok {
				a.logger.Error("telegram: reconnect attempts exhausted, degrading")
				_ = a.state.To(sala.ChannelDegraded)
				return nil
			}
			_ = a.state.To(sala.ChannelReconnecting)
			a.logger.Warn("telegram: reconnecting", "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// connect verifies the token, flushes the outbox, and polls until an
// error or cancellation.
func (a *Adapter) connect(ctx context.Context) error {
	_ = a.state.To(sala.ChannelConnecting)
	if err := a.call(ctx, "getMe", map[string]any{}, nil); err != nil {
		_ = a.state.To(sala.ChannelDisconnected)
		return err
	}
	_ = a.state.To(sala.ChannelConnected)
	a.logger.Info("telegram: connected")

	if err := a.outbox.Flush(ctx, a.SendPayload); err != nil {
		a.logger.Warn("telegram: outbox flush interrupted", "remaining", a.outbox.Len(), "error", err)
	}

	for {
		updates, err := a.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			_ = a.state.To(sala.ChannelDisconnected)
			return err
		}
		for _, u := range updates {
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
				a.saveSession()
			}
			if u.Message == nil {
				continue
			}
			ev := mapEvent(u.Message)
			select {
			case a.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (a *Adapter) getUpdates(ctx context.Context) ([]update, error) {
	body := map[string]any{
		"offset":          a.offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var updates []update
	if err := a.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendText sends HTML-formatted text, split at the Bot API length limit.
// Returns the id of the last message for later edits.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	var lastID string
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id":    rawChatID(chatID),
			"text":       chunk,
			"parse_mode": "HTML",
		}
		var sent message
		if err := a.call(ctx, "sendMessage", body, &sent); err != nil {
			if isParseError(err) {
				// Formatting rejected: retry as plain text.
				delete(body, "parse_mode")
				body["text"] = chunk
				if err := a.call(ctx, "sendMessage", body, &sent); err != nil {
					return "", err
				}
			} else {
				return "", err
			}
		}
		lastID = strconv.FormatInt(sent.MessageID, 10)
	}
	return lastID, nil
}

// EditText updates a streamed reply in place. "Not modified" responses are
// ignored.
func (a *Adapter) EditText(ctx context.Context, chatID, messageID, text string) error {
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q: %w", messageID, err)
	}
	body := map[string]any{
		"chat_id":    rawChatID(chatID),
		"message_id": msgID,
		"text":       text,
	}
	err = a.call(ctx, "editMessageText", body, nil)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// SendPayload sends a text, photo, or document payload. Disconnected
// sends buffer for the reconnect flush.
func (a *Adapter) SendPayload(ctx context.Context, chatID string, p sala.Payload) error {
	if a.state.State() != sala.ChannelConnected {
		a.outbox.Add(chatID, p)
		return nil
	}
	switch p.Kind {
	case sala.PayloadText:
		_, err := a.SendText(ctx, chatID, p.Text)
		return err
	case sala.PayloadPhoto:
		return a.sendFile(ctx, "sendPhoto", "photo", chatID, p)
	case sala.PayloadDocument:
		return a.sendFile(ctx, "sendDocument", "document", chatID, p)
	default:
		return fmt.Errorf("%w: payload kind %q", sala.ErrBadInput, p.Kind)
	}
}

// SetTyping drives the typing indicator; it auto-expires after five
// minutes.
func (a *Adapter) SetTyping(ctx context.Context, chatID string, on bool) error {
	return a.typing.Set(ctx, chatID, on, func(ctx context.Context, chatID string) error {
		return a.call(ctx, "sendChatAction", map[string]any{
			"chat_id": rawChatID(chatID),
			"action":  "typing",
		}, nil)
	})
}

// sendFile uploads a local file as multipart form data.
func (a *Adapter) sendFile(ctx context.Context, method, field, chatID string, p sala.Payload) error {
	f, err := os.Open(p.FilePath)
	if err != nil {
		return fmt.Errorf("telegram: open %s: %w", p.FilePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("chat_id", rawChatID(chatID)); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	if p.Caption != "" {
		if err := w.WriteField("caption", p.Caption); err != nil {
			return fmt.Errorf("telegram: build upload: %w", err)
		}
	}
	part, err := w.CreateFormFile(field, filepath.Base(p.FilePath))
	if err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: read %s: %w", p.FilePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}

	url := a.baseURL + "/bot" + a.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp.Body, nil)
}

// DownloadFile fetches a channel-native file by id, for the attachment
// store. getFile resolves the path, then a direct GET retrieves the data.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var f file
	if err := a.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, "", err
	}
	if f.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for %s", fileID)
	}

	url := a.baseURL + "/file/bot" + a.token + "/" + f.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: create download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", &sala.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read download: %w", err)
	}
	return data, filepath.Base(f.FilePath), nil
}

// call posts JSON to one Bot API method and decodes the result envelope.
func (a *Adapter) call(ctx context.Context, method string, body map[string]any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	url := a.baseURL + "/bot" + a.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &sala.ErrThrottled{Source: "telegram", RetryAfter: retryAfter}
	}
	return decodeEnvelope(resp.Body, result)
}

func decodeEnvelope(r io.Reader, result any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, raw)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

func (a *Adapter) saveSession() {
	if a.vault == nil {
		return
	}
	if err := a.vault.Save(sessionName, session{Offset: a.offset}); err != nil {
		a.logger.Warn("telegram: session not saved", "error", err)
	}
}

type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

func isAuthError(err error) bool {
	var ae *apiError
	if ok := asAPIError(err, &ae); !ok {
		return false
	}
	return ae.Code == http.StatusUnauthorized || ae.Code == http.StatusForbidden
}

func isParseError(err error) bool {
	var ae *apiError
	if ok := asAPIError(err, &ae); !ok {
		return false
	}
	return ae.Code == http.StatusBadRequest && strings.Contains(ae.Description, "parse")
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if ae, ok := err.(*apiError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// rawChatID strips the channel prefix from a qualified chat id.
func rawChatID(chatID string) string {
	return strings.TrimPrefix(chatID, chatPrefix)
}

// mapEvent converts a Bot API message into a channel event.
func mapEvent(m *message) sala.Event {
	ev := sala.Event{
		Type:       sala.EventMessage,
		ChatID:     chatPrefix + strconv.FormatInt(m.Chat.ID, 10),
		ExternalID: strconv.FormatInt(m.MessageID, 10),
		Content:    m.Text,
		Timestamp:  m.Date,
	}
	if m.From != nil {
		ev.Sender = strconv.FormatInt(m.From.ID, 10)
		ev.SenderDisplay = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	if ev.Content == "" && m.Caption != "" {
		ev.Content = m.Caption
	}
	if m.Document != nil {
		ev.Attachments = append(ev.Attachments, sala.Attachment{
			Kind:     sala.AttachmentDocument,
			FileID:   m.Document.FileID,
			Filename: m.Document.FileName,
			Mime:     m.Document.MimeType,
			Size:     m.Document.FileSize,
		})
	}
	if n := len(m.Photo); n > 0 {
		// Telegram lists every thumbnail size; keep the largest.
		p := m.Photo[n-1]
		ev.Attachments = append(ev.Attachments, sala.Attachment{
			Kind:   sala.AttachmentPhoto,
			FileID: p.FileID,
			Size:   p.FileSize,
			Width:  p.Width,
			Height: p.Height,
		})
	}
	for i := range ev.Attachments {
		ev.Attachments[i].Index = i
	}
	return ev
}

// splitMessage cuts text at the length limit, preferring newline breaks.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > maxMessageLength {
		cut := strings.LastIndex(remaining[:maxMessageLength], "\n")
		if cut <= 0 {
			cut = maxMessageLength
		} else {
			cut++
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
