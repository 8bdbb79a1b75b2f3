package knowledge

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlSection is the text under one heading of an HTML page.
type htmlSection struct {
	path []string
	text strings.Builder
}

// ignoredElements never contribute text.
var ignoredElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Form:     true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// htmlWalker splits a page into sections at h1-h6, tracking the heading
// path the same way ChunkMarkdown does.
type htmlWalker struct {
	sections []*htmlSection
	path     []string
	levels   []int
}

func (w *htmlWalker) current() *htmlSection {
	if len(w.sections) == 0 {
		w.sections = append(w.sections, &htmlSection{})
	}
	return w.sections[len(w.sections)-1]
}

func (w *htmlWalker) heading(level int, title string) {
	for len(w.levels) > 0 && w.levels[len(w.levels)-1] >= level {
		w.levels = w.levels[:len(w.levels)-1]
		w.path = w.path[:len(w.path)-1]
	}
	w.levels = append(w.levels, level)
	w.path = append(w.path, title)
	w.sections = append(w.sections, &htmlSection{path: append([]string(nil), w.path...)})
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
			b := &w.current().text
			b.WriteString(t)
			b.WriteByte(' ')
		}
		return
	case html.ElementNode:
		if ignoredElements[n.DataAtom] {
			return
		}
		if level, ok := headingLevel[n.DataAtom]; ok {
			if title := collapse(nodeText(n)); title != "" {
				w.heading(level, title)
			}
			return
		}
		switch n.DataAtom {
		case atom.Table:
			w.table(n)
			return
		case atom.Li:
			w.current().text.WriteString("\n- ")
		case atom.Br:
			w.current().text.WriteByte('\n')
		default:
			if isBlock(n.DataAtom) {
				w.current().text.WriteString("\n\n")
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

// table renders each row as cells joined by " | " so planting and
// fertilizing schedules keep their columns.
func (w *htmlWalker) table(n *html.Node) {
	b := &w.current().text
	b.WriteString("\n\n")
	var rows func(*html.Node)
	rows = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.DataAtom != atom.Tr {
				rows(c)
				continue
			}
			var cells []string
			for td := c.FirstChild; td != nil; td = td.NextSibling {
				if td.DataAtom == atom.Td || td.DataAtom == atom.Th {
					cells = append(cells, collapse(nodeText(td)))
				}
			}
			if len(cells) > 0 {
				b.WriteString(strings.Join(cells, " | "))
				b.WriteByte('\n')
			}
		}
	}
	rows(n)
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Dl, atom.Dt,
		atom.Dd, atom.Figure, atom.Figcaption, atom.Hr:
		return true
	}
	return false
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
		b.WriteByte(' ')
	}
	return b.String()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// tidyLines collapses spaces within lines and drops repeated blank
// lines.
func tidyLines(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = collapse(line)
		if line == "" && blank {
			continue
		}
		blank = line == ""
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ChunkHTML splits an HTML page at its headings. The page title, when
// present, leads every heading path.
func ChunkHTML(src []byte) []Chunk {
	doc, err := html.Parse(strings.NewReader(string(src)))
	if err != nil {
		return chunkSection(nil, "", string(src))
	}
	var title string
	if t := findElement(doc, atom.Title); t != nil {
		title = collapse(nodeText(t))
	}

	w := &htmlWalker{}
	w.walk(doc)

	var chunks []Chunk
	for _, s := range w.sections {
		path := s.path
		if title != "" {
			path = append([]string{title}, path...)
		}
		chunks = chunkSection(chunks, strings.Join(path, " > "), tidyLines(s.text.String()))
	}
	return chunks
}

// htmlText returns the visible text of an HTML fragment, headings
// included, for raw HTML embedded in markdown.
func htmlText(fragment string) string {
	var (
		parts []string
		last  string
	)
	for _, c := range ChunkHTML([]byte(fragment)) {
		if c.Heading != last {
			last = c.Heading
			if i := strings.LastIndex(last, " > "); i >= 0 {
				parts = append(parts, last[i+3:])
			} else if last != "" {
				parts = append(parts, last)
			}
		}
		parts = append(parts, c.Content)
	}
	return strings.Join(parts, "\n\n")
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}
