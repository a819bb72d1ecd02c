package knowledge

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	sala "github.com/nitad/sala"
)

// FrontMatter is the metadata block an indexed file may start with. TOML
// between +++ fences, or simple "key: value" lines between --- fences.
type FrontMatter struct {
	Title    string   `toml:"title"`
	Type     string   `toml:"type"`
	Layer    string   `toml:"layer"`
	Project  string   `toml:"project"`
	Concepts []string `toml:"concepts"`
}

// ExtractFile turns a file's bytes into plain text plus front matter,
// dispatching on extension. Unsupported extensions return ErrBadInput.
func ExtractFile(path string, content []byte) (string, FrontMatter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		body, fm := SplitFrontMatter(content)
		text, err := extractMarkdown(body)
		return text, fm, err
	case ".txt":
		body, fm := SplitFrontMatter(content)
		return strings.TrimSpace(string(body)), fm, nil
	case ".pdf":
		text, err := extractPDF(content)
		return text, FrontMatter{}, err
	default:
		return "", FrontMatter{}, fmt.Errorf("%w: unsupported file type %s", sala.ErrBadInput, filepath.Ext(path))
	}
}

// SplitFrontMatter strips a leading metadata block and returns the body and
// the parsed matter. Malformed blocks are left in place as content.
func SplitFrontMatter(content []byte) ([]byte, FrontMatter) {
	var fm FrontMatter
	for _, fence := range []string{"+++", "---"} {
		open := []byte(fence + "\n")
		if !bytes.HasPrefix(content, open) {
			continue
		}
		rest := content[len(open):]
		end := bytes.Index(rest, []byte("\n"+fence))
		if end < 0 {
			return content, fm
		}
		block := rest[:end]
		body := rest[end+len(fence)+1:]
		body = bytes.TrimLeft(body, "\n")

		if fence == "+++" {
			if err := toml.Unmarshal(block, &fm); err != nil {
				return content, FrontMatter{}
			}
		} else {
			fm = parseSimpleMatter(string(block))
		}
		return body, fm
	}
	return content, fm
}

// parseSimpleMatter reads "key: value" lines. Concepts accepts a
// comma-separated list.
func parseSimpleMatter(block string) FrontMatter {
	var fm FrontMatter
	for _, line := range strings.Split(block, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		switch key {
		case "title":
			fm.Title = value
		case "type":
			fm.Type = value
		case "layer":
			fm.Layer = value
		case "project":
			fm.Project = value
		case "concepts", "tags":
			for _, c := range strings.Split(value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					fm.Concepts = append(fm.Concepts, c)
				}
			}
		}
	}
	return fm
}

// extractMarkdown renders a markdown document to plain text by walking the
// parsed AST. Code blocks are kept verbatim; formatting is dropped.
func extractMarkdown(src []byte) (string, error) {
	md := goldmark.New()
	root := md.Parser().Parse(gmtext.NewReader(src))

	var out bytes.Buffer
	err := ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			out.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				out.WriteByte('\n')
			}
		case *ast.FencedCodeBlock:
			writeCodeLines(&out, src, v.Lines())
		case *ast.CodeBlock:
			writeCodeLines(&out, src, v.Lines())
		default:
			if n.Type() == ast.TypeBlock && out.Len() > 0 {
				out.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("walk markdown: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func writeCodeLines(out *bytes.Buffer, src []byte, lines *gmtext.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		out.Write(seg.Value(src))
	}
}

// extractPDF pulls plain text page by page, skipping pages the parser
// cannot read.
func extractPDF(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("%w: empty pdf", sala.ErrBadInput)
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}
