package knowledge

import (
	"errors"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Chunking parameters, in runes.
const (
	ChunkSize    = 500
	ChunkOverlap = 50
	// maxSection is the largest heading section kept as one chunk.
	maxSection = 1000
)

// Content types accepted by ChunkDocument.
const (
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePlain    = "text/plain"
)

// Errors.
var (
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrEmptyDocument   = errors.New("document has no text")
)

// Chunk is one retrievable piece of a document.
type Chunk struct {
	Seq     int    `json:"seq"`
	Heading string `json:"heading,omitempty"`
	Content string `json:"content"`
}

// ContentType maps a filename extension to a supported content type.
func ContentType(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return TypeMarkdown, nil
	case ".html", ".htm":
		return TypeHTML, nil
	case ".txt", ".text", "":
		return TypePlain, nil
	}
	return "", ErrUnsupportedType
}

// ChunkDocument splits src according to its content type.
func ChunkDocument(contentType string, src []byte) ([]Chunk, error) {
	var chunks []Chunk
	switch contentType {
	case TypeMarkdown:
		chunks = ChunkMarkdown(src)
	case TypeHTML:
		chunks = ChunkHTML(src)
	case TypePlain:
		chunks = chunkSection(nil, "", string(src))
	default:
		return nil, ErrUnsupportedType
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	for i := range chunks {
		chunks[i].Seq = i
	}
	return chunks, nil
}

// ChunkMarkdown splits a markdown document at its headings. Each chunk
// carries the heading path ("Lúa > Bón phân") it sits under; sections
// longer than maxSection runes are split further with ChunkText.
func ChunkMarkdown(src []byte) []Chunk {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		chunks []Chunk
		path   []string
		levels []int
		body   []string
	)
	flush := func() {
		chunks = chunkSection(chunks, strings.Join(path, " > "), strings.Join(body, "\n\n"))
		body = body[:0]
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			flush()
			for len(levels) > 0 && levels[len(levels)-1] >= node.Level {
				levels = levels[:len(levels)-1]
				path = path[:len(path)-1]
			}
			levels = append(levels, node.Level)
			path = append(path, blockText(node, src, " "))
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.TextBlock:
			line := blockText(node, src, " ")
			if node.Parent() != nil && node.Parent().Kind() == ast.KindListItem {
				line = "- " + line
			}
			if line != "" {
				body = append(body, line)
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if code := blockText(node, src, "\n"); code != "" {
				body = append(body, code)
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock:
			if t := htmlText(blockText(node, src, "\n")); t != "" {
				body = append(body, t)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	flush()

	// List items come out one per block; join consecutive ones.
	for i := range chunks {
		chunks[i].Content = strings.ReplaceAll(chunks[i].Content, "\n\n- ", "\n- ")
	}
	return chunks
}

// blockText joins the source lines of a block node.
func blockText(n ast.Node, src []byte, sep string) string {
	lines := n.Lines()
	parts := make([]string, 0, lines.Len())
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		parts = append(parts, strings.TrimRight(string(seg.Value(src)), "\r\n"))
	}
	return strings.TrimSpace(strings.Join(parts, sep))
}

func chunkSection(chunks []Chunk, heading, body string) []Chunk {
	body = strings.TrimSpace(body)
	if body == "" {
		return chunks
	}
	if len([]rune(body)) <= maxSection {
		return append(chunks, Chunk{Heading: heading, Content: body})
	}
	for _, piece := range ChunkText(body, ChunkSize, ChunkOverlap) {
		chunks = append(chunks, Chunk{Heading: heading, Content: piece})
	}
	return chunks
}

// ChunkText cuts s into windows of at most size runes, each starting
// overlap runes before the previous one ended. A window ends at the
// last whitespace in its final fifth when there is one.
func ChunkText(s string, size, overlap int) []string {
	r := []rune(strings.TrimSpace(s))
	if len(r) == 0 {
		return nil
	}
	if size <= 0 || len(r) <= size {
		return []string{string(r)}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var out []string
	start := 0
	for start < len(r) {
		end := min(start+size, len(r))
		if end < len(r) {
			for i := end; i > start+size*4/5; i-- {
				if unicode.IsSpace(r[i]) {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(r[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
