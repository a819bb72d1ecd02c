package knowledge

import (
	"strings"
	"testing"
)

func TestSplitFrontMatterSimple(t *testing.T) {
	content := []byte(`---
title: Deployment notes
layer: procedural
concepts: docker, ci
---
The actual body starts here.`)

	body, fm := SplitFrontMatter(content)
	if fm.Title != "Deployment notes" || fm.Layer != "procedural" {
		t.Errorf("front matter = %+v", fm)
	}
	if len(fm.Concepts) != 2 || fm.Concepts[0] != "docker" {
		t.Errorf("concepts = %v", fm.Concepts)
	}
	if !strings.HasPrefix(string(body), "The actual body") {
		t.Errorf("body = %q", body)
	}
}

func TestSplitFrontMatterTOML(t *testing.T) {
	content := []byte(`+++
title = "Decision record"
type = "decision"
concepts = ["arch", "storage"]
+++
Body text.`)

	body, fm := SplitFrontMatter(content)
	if fm.Title != "Decision record" || fm.Type != "decision" {
		t.Errorf("front matter = %+v", fm)
	}
	if len(fm.Concepts) != 2 {
		t.Errorf("concepts = %v", fm.Concepts)
	}
	if strings.TrimSpace(string(body)) != "Body text." {
		t.Errorf("body = %q", body)
	}
}

func TestSplitFrontMatterAbsent(t *testing.T) {
	content := []byte("No matter here.\n---\njust a ruler")
	body, fm := SplitFrontMatter(content)
	if string(body) != string(content) {
		t.Errorf("body altered: %q", body)
	}
	if fm.Title != "" {
		t.Errorf("phantom front matter: %+v", fm)
	}
}

func TestExtractMarkdown(t *testing.T) {
	src := []byte("# Heading\n\nSome *emphasised* prose.\n\n```\ncode line\n```\n")
	text, err := extractMarkdown(src)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, want := range []string{"Heading", "emphasised", "code line"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in %q", want, text)
		}
	}
	if strings.Contains(text, "*") || strings.Contains(text, "#") {
		t.Errorf("markup survived: %q", text)
	}
}

func TestExtractFileUnsupported(t *testing.T) {
	if _, _, err := ExtractFile("binary.exe", []byte{1, 2}); err == nil {
		t.Error("unsupported extension accepted")
	}
}
