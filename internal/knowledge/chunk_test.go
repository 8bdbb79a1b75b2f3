package knowledge

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

const riceGuide = `# Lúa

Lúa là cây lương thực chính.

## Bón phân

- Bón lót trước khi cấy
- Bón thúc khi đẻ nhánh

## Tưới nước

Giữ mực nước 3-5 cm
trong giai đoạn đẻ nhánh.

` + "```\nN:P:K = 20:20:15\n```\n"

func TestChunkMarkdown(t *testing.T) {
	chunks := ChunkMarkdown([]byte(riceGuide))
	want := []Chunk{
		{Heading: "Lúa", Content: "Lúa là cây lương thực chính."},
		{Heading: "Lúa > Bón phân", Content: "- Bón lót trước khi cấy\n- Bón thúc khi đẻ nhánh"},
		{Heading: "Lúa > Tưới nước", Content: "Giữ mực nước 3-5 cm trong giai đoạn đẻ nhánh.\n\nN:P:K = 20:20:15"},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	for i := range want {
		if chunks[i].Heading != want[i].Heading || chunks[i].Content != want[i].Content {
			t.Errorf("chunk %d = %+v, want %+v", i, chunks[i], want[i])
		}
	}
}

func TestChunkMarkdown_HeadingPathPops(t *testing.T) {
	src := "# A\n\n## B\n\ntext b\n\n# C\n\ntext c\n"
	chunks := ChunkMarkdown([]byte(src))
	if len(chunks) != 2 {
		t.Fatalf("got %+v", chunks)
	}
	if chunks[0].Heading != "A > B" || chunks[1].Heading != "C" {
		t.Errorf("headings = %q, %q", chunks[0].Heading, chunks[1].Heading)
	}
}

func TestChunkMarkdown_LongSectionSplit(t *testing.T) {
	src := "# Dài\n\n" + strings.Repeat("cây lúa ", 300)
	chunks := ChunkMarkdown([]byte(src))
	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want a split section", len(chunks))
	}
	for _, c := range chunks {
		if c.Heading != "Dài" {
			t.Errorf("heading = %q", c.Heading)
		}
		if n := utf8.RuneCountInString(c.Content); n > ChunkSize {
			t.Errorf("chunk of %d runes exceeds %d", n, ChunkSize)
		}
	}
}

func TestChunkText(t *testing.T) {
	if got := ChunkText("   ", 500, 50); got != nil {
		t.Errorf("blank = %q, want nil", got)
	}
	if got := ChunkText("ngắn", 500, 50); len(got) != 1 || got[0] != "ngắn" {
		t.Errorf("short = %q", got)
	}

	solid := strings.Repeat("ạ", 1200)
	pieces := ChunkText(solid, 500, 50)
	lens := make([]int, len(pieces))
	for i, p := range pieces {
		lens[i] = utf8.RuneCountInString(p)
	}
	if len(lens) != 3 || lens[0] != 500 || lens[1] != 500 || lens[2] != 300 {
		t.Errorf("piece lengths = %v, want [500 500 300]", lens)
	}

	words := strings.TrimSpace(strings.Repeat("word ", 300))
	for i, p := range ChunkText(words, 500, 50) {
		if !strings.HasSuffix(p, "word") {
			t.Errorf("piece %d ends mid-word: %q", i, p[len(p)-10:])
		}
	}
}

func TestChunkDocument(t *testing.T) {
	page := `<html><head><title>Cà chua</title></head><body>
		<nav>menu</nav>
		<p>Giới thiệu chung.</p>
		<h1>Sâu bệnh</h1>
		<p>Phun   thuốc sinh học.</p>
		<ul><li>Bọ phấn</li><li>Sâu đục quả</li></ul>
		<script>track()</script>
		<h2>Lịch bón phân</h2>
		<table><tr><th>Giai đoạn</th><th>Phân</th></tr><tr><td>Ra hoa</td><td>NPK 16-16-8</td></tr></table>
	</body></html>`
	chunks, err := ChunkDocument(TypeHTML, []byte(page))
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("html chunks = %+v", chunks)
	}
	wantHeadings := []string{"Cà chua", "Cà chua > Sâu bệnh", "Cà chua > Sâu bệnh > Lịch bón phân"}
	for i, want := range wantHeadings {
		if chunks[i].Heading != want || chunks[i].Seq != i {
			t.Errorf("chunk %d = %q seq %d, want %q", i, chunks[i].Heading, chunks[i].Seq, want)
		}
	}
	c := chunks[1].Content
	for _, want := range []string{"Phun thuốc sinh học.", "- Bọ phấn", "- Sâu đục quả"} {
		if !strings.Contains(c, want) {
			t.Errorf("html content missing %q: %q", want, c)
		}
	}
	if got := chunks[2].Content; !strings.Contains(got, "Ra hoa | NPK 16-16-8") {
		t.Errorf("table row not kept: %q", got)
	}
	for _, ch := range chunks {
		for _, banned := range []string{"menu", "track"} {
			if strings.Contains(ch.Content, banned) {
				t.Errorf("html content kept %q", banned)
			}
		}
	}

	chunks, err = ChunkDocument(TypePlain, []byte("Tưới vào sáng sớm."))
	if err != nil || len(chunks) != 1 || chunks[0].Seq != 0 {
		t.Errorf("plain = %+v, %v", chunks, err)
	}

	if _, err := ChunkDocument(TypeMarkdown, []byte("# Chỉ có tiêu đề\n")); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("heading-only err = %v, want ErrEmptyDocument", err)
	}
	if _, err := ChunkDocument("application/pdf", []byte("x")); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("pdf err = %v, want ErrUnsupportedType", err)
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
		err  error
	}{
		{"lua.md", TypeMarkdown, nil},
		{"Guide.MARKDOWN", TypeMarkdown, nil},
		{"page.htm", TypeHTML, nil},
		{"notes.txt", TypePlain, nil},
		{"scan.pdf", "", ErrUnsupportedType},
	}
	for _, tt := range tests {
		got, err := ContentType(tt.name)
		if got != tt.want || !errors.Is(err, tt.err) {
			t.Errorf("ContentType(%q) = %q, %v", tt.name, got, err)
		}
	}
}
