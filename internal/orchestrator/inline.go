package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/knowledge"
)

// inlineText renders the reply for an inline-tier message. The router's
// Reason says what matched.
func (o *Orchestrator) inlineText(ctx context.Context, content string, cl sala.Classification) string {
	thai := hasThai(content)
	switch {
	case strings.HasPrefix(cl.Reason, "command "):
		return o.commandText(ctx, strings.TrimPrefix(cl.Reason, "command "))
	case cl.Reason == "greeting":
		if thai {
			return fmt.Sprintf("สวัสดีครับ %s พร้อมช่วยเหลือครับ", o.cfg.AssistantName)
		}
		return fmt.Sprintf("Hello! %s here, how can I help?", o.cfg.AssistantName)
	case cl.Reason == "acknowledgement":
		if thai {
			return "ยินดีครับ"
		}
		return "You're welcome!"
	case cl.Reason == "empty message":
		return ""
	default:
		return "Noted."
	}
}

func (o *Orchestrator) commandText(ctx context.Context, cmd string) string {
	switch cmd {
	case "/status", "/stats":
		return o.status(ctx)
	case "/help":
		return "Commands: /status, /stats, /tasks, /groups, /help.\n" +
			"Say anything else and I'll route it: quick questions run on a " +
			"fast model, bigger jobs in a sandbox, and \"remember …\" searches my knowledge."
	case "/tasks", "/groups":
		// Rendered by the status func when the composition root wires one.
		return o.status(ctx)
	default:
		return "Unknown command. Try /help."
	}
}

// knowledgeAnswer runs a direct hybrid search and formats the hits with
// source attribution. Queries phrased around past decisions narrow to
// decision documents so old conversation noise does not outrank them.
// Returns the reply text and the token estimate of the retrieved context
// for cost accounting.
func (o *Orchestrator) knowledgeAnswer(ctx context.Context, query string) (string, int) {
	req := knowledge.SearchRequest{
		Query: query,
		Mode:  knowledge.ModeHybrid,
		Limit: knowledgeLimit,
	}
	if asksForDecision(query) {
		req.Types = []sala.DocumentType{sala.DocDecision}
	}
	results, err := o.engine.Search(ctx, req)
	if err != nil {
		o.logger.Warn("orchestrator: knowledge search failed", "error", err)
		return sala.UserMessage(sala.ErrKnowledgeUnavailable), 0
	}
	if len(results) == 0 {
		if hasThai(query) {
			return "ไม่พบข้อมูลที่เกี่ยวข้องครับ", 0
		}
		return "I couldn't find anything about that in my knowledge.", 0
	}

	var b strings.Builder
	b.WriteString("Here's what I found:\n")
	tokens := 0
	for i, r := range results {
		snippet := r.Content
		if len([]rune(snippet)) > 300 {
			snippet = string([]rune(snippet)[:300]) + "…"
		}
		fmt.Fprintf(&b, "\n%d. %s\n%s\n[source: %s]\n", i+1, r.Title, snippet, r.Title)
		tokens += estimateTokens(r.Content)
	}
	return b.String(), tokens
}

func (o *Orchestrator) isFarewell(content string) bool {
	stripped := strings.TrimRightFunc(strings.ToLower(strings.TrimSpace(content)), func(c rune) bool {
		return unicode.IsPunct(c) || unicode.IsSpace(c)
	})
	_, ok := o.farewells[stripped]
	return ok
}

func (o *Orchestrator) farewellText(content string) string {
	if hasThai(content) {
		return "ราตรีสวัสดิ์ครับ แล้วพบกันใหม่"
	}
	return "Goodbye! I'll remember this conversation."
}

func asksForDecision(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range []string{"decide", "decided", "decision", "ตัดสินใจ"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func hasThai(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Thai, r) {
			return true
		}
	}
	return false
}

// --- session tracking ---

func (o *Orchestrator) touchSession(chatID, line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[chatID]
	if !ok {
		s = &session{}
		o.sessions[chatID] = s
	}
	if line != "" {
		s.lines = append(s.lines, line)
		// Keep the tail; summaries only need the recent arc.
		if len(s.lines) > 200 {
			s.lines = s.lines[len(s.lines)-200:]
		}
	}
	s.lastSeen = time.Now()
}

// closeSession summarises a conversation into episodic memory and drops the
// in-memory transcript.
func (o *Orchestrator) closeSession(ctx context.Context, chatID string) {
	o.mu.Lock()
	s, ok := o.sessions[chatID]
	if ok {
		delete(o.sessions, chatID)
	}
	o.mu.Unlock()
	if !ok || len(s.lines) == 0 {
		return
	}

	title := fmt.Sprintf("Conversation with %s on %s", chatID, time.Now().Format("2006-01-02"))
	id, err := o.engine.SaveSummary(ctx, chatID, title, strings.Join(s.lines, "\n"))
	if err != nil {
		o.logger.Warn("orchestrator: summary failed", "chat", chatID, "error", err)
		return
	}
	o.logger.Info("orchestrator: conversation summarised", "chat", chatID, "doc", id, "lines", len(s.lines))
}

// sweepIdleSessions closes conversations silent past the idle window.
func (o *Orchestrator) sweepIdleSessions(ctx context.Context) {
	cutoff := time.Now().Add(-idleSummary)
	o.mu.Lock()
	var idle []string
	for chatID, s := range o.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, chatID)
		}
	}
	o.mu.Unlock()

	for _, chatID := range idle {
		o.closeSession(ctx, chatID)
	}
}
