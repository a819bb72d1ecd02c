package router

import (
	"strings"
	"testing"

	sala "github.com/nitad/sala"
)

func TestClassifyScenarios(t *testing.T) {
	r := New()

	cases := []struct {
		name string
		text string
		want sala.Tier
	}{
		{"english greeting", "hello", sala.TierInline},
		{"thai greeting", "สวัสดีครับ", sala.TierInline},
		{"greeting with punctuation", "Hey!", sala.TierInline},
		{"thanks", "thank you", sala.TierInline},
		{"thai thanks", "ขอบคุณค่ะ", sala.TierInline},
		{"affirmation", "ok", sala.TierInline},
		{"status command", "/status", sala.TierInline},
		{"command with bot mention", "/help@salabot", sala.TierInline},
		{"empty", "   ", sala.TierInline},

		{"recall request", "remember what I told you about the budget", sala.TierKnowledgeOnly},
		{"search request", "search for the deployment notes from last week", sala.TierKnowledgeOnly},
		{"decision recall", "What did we decide about Docker?", sala.TierKnowledgeOnly},
		{"passive decision recall", "what was decided on the vector store migration", sala.TierKnowledgeOnly},
		{"thai recall", "ค้นหาโน้ตเรื่องงบประมาณ", sala.TierKnowledgeOnly},

		{"short question", "what's the capital of Chiang Mai province?", sala.TierContainerShort},
		{"greeting inside request", "hello, can you summarise the Q3 report for me?", sala.TierContainerShort},

		{"code fence", "fix this:\n```go\nfunc main() {}\n```", sala.TierContainerFull},
		{"long request", strings.Repeat("analyse this paragraph and ", 20), sala.TierContainerFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Classify(tc.text)
			if got.Tier != tc.want {
				t.Errorf("Classify(%q).Tier = %s (%s), want %s", tc.text, got.Tier, got.Reason, tc.want)
			}
			if got.Confidence <= 0 || got.Confidence > 1 {
				t.Errorf("confidence %v out of range", got.Confidence)
			}
			if got.Reason == "" {
				t.Error("empty reason")
			}
		})
	}
}

func TestClassifyModelHints(t *testing.T) {
	r := New()
	if got := r.Classify("short question here?"); got.ModelHint != ModelCheap {
		t.Errorf("short tier hint = %q, want cheap", got.ModelHint)
	}
	if got := r.Classify("```py\nprint(1)\n```"); got.ModelHint != ModelStrong {
		t.Errorf("full tier hint = %q, want strong", got.ModelHint)
	}
	if got := r.Classify("hello"); got.ModelHint != "" {
		t.Errorf("inline tier hint = %q, want none", got.ModelHint)
	}
}

func TestUnknownSlashCommandNotInline(t *testing.T) {
	r := New()
	got := r.Classify("/deploy the staging build")
	if got.Tier == sala.TierInline {
		t.Errorf("unknown command routed inline (%s)", got.Reason)
	}
}
