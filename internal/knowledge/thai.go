package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ThaiTokenizer talks to the stateless tokeniser sidecar. The sidecar
// segments Thai text (which carries no word boundaries) and can expand a
// query across the Thai/English boundary. When the sidecar is down both
// operations degrade: tokenisation falls back to whitespace splitting and
// expansion returns nothing, each with a single warning.
type ThaiTokenizer struct {
	baseURL    string
	httpClient *http.Client
	logger     interface {
		Warn(msg string, args ...any)
	}
	warnOnce sync.Once
}

// NewThaiTokenizer creates a sidecar client. baseURL may be empty, in which
// case every call takes the fallback path silently.
func NewThaiTokenizer(baseURL string, logger interface {
	Warn(msg string, args ...any)
}) *ThaiTokenizer {
	return &ThaiTokenizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// Tokenize returns word tokens for text. Thai runs are segmented by the
// sidecar; on any failure the text is split on whitespace instead.
func (t *ThaiTokenizer) Tokenize(ctx context.Context, text string) []string {
	if t.baseURL == "" || !ContainsThai(text) {
		return strings.Fields(text)
	}
	var resp struct {
		Tokens []string `json:"tokens"`
	}
	err := t.post(ctx, "/tokenize", map[string]string{"text": text}, &resp)
	if err != nil {
		t.warnFallback(err)
		return strings.Fields(text)
	}
	return resp.Tokens
}

// Expand returns cross-language variants of query (Thai to English and back).
// Failure is non-fatal: no variants, one warning.
func (t *ThaiTokenizer) Expand(ctx context.Context, query string) []string {
	if t.baseURL == "" {
		return nil
	}
	var resp struct {
		Variants []string `json:"variants"`
	}
	err := t.post(ctx, "/expand", map[string]string{"query": query}, &resp)
	if err != nil {
		t.warnFallback(err)
		return nil
	}
	return resp.Variants
}

func (t *ThaiTokenizer) post(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tokenizer sidecar: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tokenizer sidecar: status %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode sidecar response: %w", err)
	}
	return nil
}

func (t *ThaiTokenizer) warnFallback(err error) {
	t.warnOnce.Do(func() {
		if t.logger != nil {
			t.logger.Warn("knowledge: tokenizer sidecar unavailable, using whitespace fallback", "error", err)
		}
	})
}

// ContainsThai reports whether s has at least one rune in the Thai block.
func ContainsThai(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Thai, r) {
			return true
		}
	}
	return false
}
