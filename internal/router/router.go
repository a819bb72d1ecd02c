// Package router classifies inbound messages into one of four handling
// tiers. Rules run in order; the first match wins. Inline and
// knowledge-only verdicts never touch a container.
package router

import (
	"strings"
	"unicode"

	sala "github.com/nitad/sala"
)

const shortLimit = 200

// Model hints per tier. The orchestrator maps them to configured model
// names; an empty hint means no model is involved.
const (
	ModelCheap  = "cheap"
	ModelStrong = "strong"
)

// Router classifies messages. Zero-value ready; configuration adds custom
// trigger phrases.
type Router struct {
	greetings map[string]struct{}
	acks      map[string]struct{}
	recall    []string
	commands  map[string]struct{}
}

// New builds a router with the default phrase tables.
func New() *Router {
	r := &Router{
		greetings: make(map[string]struct{}),
		acks:      make(map[string]struct{}),
		commands:  make(map[string]struct{}),
	}
	for _, g := range []string{
		"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
		"สวัสดี", "สวัสดีครับ", "สวัสดีค่ะ", "หวัดดี",
	} {
		r.greetings[g] = struct{}{}
	}
	for _, a := range []string{
		"thanks", "thank you", "thx", "ขอบคุณ", "ขอบคุณครับ", "ขอบคุณค่ะ",
		"ok", "okay", "yes", "no", "sure", "got it", "noted", "nice", "cool",
		"ได้", "โอเค", "ครับ", "ค่ะ",
	} {
		r.acks[a] = struct{}{}
	}
	for _, c := range []string{"/status", "/help", "/tasks", "/stats", "/groups"} {
		r.commands[c] = struct{}{}
	}
	r.recall = []string{
		"remember", "recall", "search for", "what did i say", "what did we discuss",
		"what did we decide", "what was decided", "what did i decide",
		"find my note", "look up", "จำได้ไหม", "ค้นหา", "หาข้อมูล", "ตัดสินใจอะไร",
	}
	return r
}

// Classify returns the tier verdict for one message.
func (r *Router) Classify(text string) sala.Classification {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if trimmed == "" {
		return sala.Classification{
			Tier: sala.TierInline, Confidence: 1, Reason: "empty message",
		}
	}

	if cmd, ok := r.slashCommand(lower); ok {
		return sala.Classification{
			Tier: sala.TierInline, Confidence: 1, Reason: "command " + cmd,
		}
	}

	if r.isPhrase(lower, r.greetings) {
		return sala.Classification{
			Tier: sala.TierInline, Confidence: 0.95, Reason: "greeting",
		}
	}
	if r.isPhrase(lower, r.acks) {
		return sala.Classification{
			Tier: sala.TierInline, Confidence: 0.9, Reason: "acknowledgement",
		}
	}
	if verb := r.recallVerb(lower); verb != "" {
		return sala.Classification{
			Tier: sala.TierKnowledgeOnly, Confidence: 0.85, Reason: "recall verb " + verb,
		}
	}

	if hasCodeFence(trimmed) {
		return sala.Classification{
			Tier: sala.TierContainerFull, ModelHint: ModelStrong,
			Confidence: 0.9, Reason: "code fence",
		}
	}
	if len([]rune(trimmed)) < shortLimit {
		return sala.Classification{
			Tier: sala.TierContainerShort, ModelHint: ModelCheap,
			Confidence: 0.7, Reason: "short general question",
		}
	}
	return sala.Classification{
		Tier: sala.TierContainerFull, ModelHint: ModelStrong,
		Confidence: 0.75, Reason: "long or multi-step request",
	}
}

func (r *Router) slashCommand(lower string) (string, bool) {
	if !strings.HasPrefix(lower, "/") {
		return "", false
	}
	cmd := lower
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}
	_, known := r.commands[cmd]
	return cmd, known
}

// isPhrase matches whole messages only, modulo trailing punctuation. A
// greeting buried in a longer request must not short-circuit routing.
func (r *Router) isPhrase(lower string, table map[string]struct{}) bool {
	stripped := strings.TrimRightFunc(lower, func(c rune) bool {
		return unicode.IsPunct(c) || unicode.IsSpace(c)
	})
	_, ok := table[stripped]
	return ok
}

func (r *Router) recallVerb(lower string) string {
	for _, v := range r.recall {
		if strings.Contains(lower, v) {
			return v
		}
	}
	return ""
}

func hasCodeFence(s string) bool {
	return strings.Contains(s, "```")
}
