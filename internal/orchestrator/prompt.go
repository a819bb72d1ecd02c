package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/knowledge"
)

// Prompt assembly budget, in estimated tokens. The user message always
// fits; context sections fill what remains in fixed priority order.
const (
	promptTokenBudget = 4000
	systemBudget      = 1000
	userModelBudget   = 600
	episodicBudget    = 600
	knowledgeBudget   = 1400
)

// assignment is the signed payload a container picks up from its IPC
// namespace.
type assignment struct {
	EntryID string `json:"entry_id"`
	ChatID  string `json:"chat_id"`
	Model   string `json:"model"`
	Tier    string `json:"tier"`
	Prompt  string `json:"prompt"`
}

// assemblePrompt builds the container prompt: group system prompt, user
// model, recent episodic summaries, knowledge context with source
// attribution, then the user message. A dead knowledge engine degrades to
// an uncontextualised prompt rather than failing the run.
func (o *Orchestrator) assemblePrompt(ctx context.Context, e sala.QueueEntry, m entryMeta) string {
	remaining := promptTokenBudget - estimateTokens(e.Prompt)
	var sections []string

	if sys := o.readGroupFile(e.GroupID, "system_prompt.md"); sys != "" {
		sys = truncateTokens(sys, min(systemBudget, remaining))
		remaining -= estimateTokens(sys)
		sections = append(sections, sys)
	}
	if um := o.readGroupFile(e.GroupID, "user_model.md"); um != "" && remaining > 0 {
		um = truncateTokens(um, min(userModelBudget, remaining))
		remaining -= estimateTokens(um)
		sections = append(sections, "What you know about the user:\n"+um)
	}
	if ep := o.episodicSection(ctx, remaining); ep != "" {
		remaining -= estimateTokens(ep)
		sections = append(sections, ep)
	}
	if kn := o.knowledgeSection(ctx, e.Prompt, remaining); kn != "" {
		remaining -= estimateTokens(kn)
		sections = append(sections, kn)
	}

	sections = append(sections, "User message:\n"+e.Prompt)
	prompt := strings.Join(sections, "\n\n---\n\n")
	o.logger.Debug("orchestrator: prompt assembled", "entry", e.ID,
		"sections", len(sections), "tokens", estimateTokens(prompt))
	return prompt
}

func (o *Orchestrator) episodicSection(ctx context.Context, remaining int) string {
	if remaining <= 0 {
		return ""
	}
	docs, err := o.engine.EpisodicRecall(ctx, 3)
	if err != nil || len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent conversations:\n")
	budget := min(episodicBudget, remaining)
	for _, d := range docs {
		line := "- " + truncateTokens(strings.ReplaceAll(d.Content, "\n", " "), budget/len(docs))
		if estimateTokens(b.String())+estimateTokens(line) > budget {
			break
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) knowledgeSection(ctx context.Context, query string, remaining int) string {
	if remaining <= 0 {
		return ""
	}
	results, err := o.engine.Search(ctx, knowledge.SearchRequest{
		Query: query,
		Mode:  knowledge.ModeHybrid,
		Limit: knowledgeLimit,
	})
	if err != nil {
		o.logger.Warn("orchestrator: knowledge context unavailable", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge:\n")
	budget := min(knowledgeBudget, remaining)
	for _, r := range results {
		entry := fmt.Sprintf("- %s [source: %s]\n", truncateTokens(strings.ReplaceAll(r.Content, "\n", " "), budget/len(results)), r.Title)
		if estimateTokens(b.String())+estimateTokens(entry) > budget {
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Orchestrator) readGroupFile(group, name string) string {
	if o.cfg.GroupsDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(o.cfg.GroupsDir, group, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// estimateTokens approximates the tokeniser at ~4 bytes per token, which
// holds loosely for both English and UTF-8 Thai.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// truncateTokens cuts s down to roughly the given token budget on a rune
// boundary.
func truncateTokens(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	limit := budget * 4
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
