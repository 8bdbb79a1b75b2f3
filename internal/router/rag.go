package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/agrifarm/internal/embeddings"
	"github.com/nugget/agrifarm/internal/knowledge"
)

// Embedder turns text into a vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// VectorStore lists every chunk carrying an embedding.
type VectorStore interface {
	AllEmbedded(ctx context.Context) ([]knowledge.StoredChunk, error)
}

// RAGSource is one retrieved chunk.
type RAGSource struct {
	ChunkID    string  `json:"id"`
	DocumentID string  `json:"documentId"`
	Filename   string  `json:"documentName"`
	Seq        int     `json:"chunkIndex"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// RAGResult is a retrieval-augmented answer.
type RAGResult struct {
	Answer        string        `json:"answer"`
	Confidence    float64       `json:"confidence"`
	Sources       []RAGSource   `json:"sources"`
	RetrievalTime time.Duration `json:"retrievalTime"`
	SynthesisTime time.Duration `json:"synthesisTime"`
}

const (
	ragBaseThreshold     = 0.35
	ragMinAvgSimilarity  = 0.45
	ragSynthTemperature  = 0.3
	ragNoChunksAnswer    = "Xin lỗi, tôi không tìm thấy thông tin liên quan trong tài liệu."
	ragLowRelevanceTempl = "Tài liệu hiện có không chứa thông tin liên quan đến \"%s\". Vui lòng thử câu hỏi khác hoặc cung cấp thêm tài liệu."
)

var (
	citationPattern = regexp.MustCompile(`\[Nguồn \d+\]`)
	noInfoPatterns  = compileAll(
		`không\s+(có|tìm\s+thấy|cung\s+cấp)\s+thông\s+tin`,
		`rất\s+tiếc.*không`,
		`tài\s+liệu.*không.*đủ`,
		`không\s+đề\s+cập`,
		`chưa\s+có\s+thông\s+tin`,
	)
)

// RAG answers from the chunks most similar to the question.
type RAG struct {
	store    VectorStore
	embedder Embedder
	llm      Generator
	topK     int
}

// NewRAG returns a retriever over store. topK <= 0 means 5.
func NewRAG(store VectorStore, embedder Embedder, llm Generator, topK int) *RAG {
	if topK <= 0 {
		topK = 5
	}
	return &RAG{store: store, embedder: embedder, llm: llm, topK: topK}
}

// Answer retrieves up to topK chunks above a threshold that depends on
// the query, and synthesizes an answer when they are relevant enough.
func (r *RAG) Answer(ctx context.Context, query string) (*RAGResult, error) {
	start := time.Now()
	sources, err := r.retrieve(ctx, query)
	if err != nil {
		return nil, err
	}
	res := &RAGResult{Sources: sources, RetrievalTime: time.Since(start)}

	if len(sources) == 0 {
		res.Answer = ragNoChunksAnswer
		return res, nil
	}
	avg := averageSimilarity(sources)
	if avg < ragMinAvgSimilarity {
		res.Answer = fmt.Sprintf(ragLowRelevanceTempl, query)
		res.Confidence = 0.2
		return res, nil
	}

	synth := time.Now()
	answer, err := r.llm.Generate(ctx, "", synthesisPrompt(query, sources), ragSynthTemperature)
	if err != nil {
		return nil, fmt.Errorf("rag synthesis: %w", err)
	}
	res.SynthesisTime = time.Since(synth)
	res.Answer = strings.TrimSpace(answer)
	res.Confidence = ragConfidence(sources, res.Answer)
	return res, nil
}

func (r *RAG) retrieve(ctx context.Context, query string) ([]RAGSource, error) {
	if r.embedder == nil {
		return nil, nil
	}
	vec, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	chunks, err := r.store.AllEmbedded(ctx)
	if err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		vectors[i] = c.Embedding
	}

	matches := embeddings.TopK(vec, vectors, r.topK, float32(ragThreshold(query)))
	out := make([]RAGSource, len(matches))
	for i, m := range matches {
		c := chunks[m.Index]
		out[i] = RAGSource{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Seq:        c.Seq,
			Content:    c.Content,
			Similarity: float64(m.Score),
		}
	}
	return out, nil
}

// ragThreshold raises the bar for short queries and technical terms
// and lowers it for analytical questions.
func ragThreshold(query string) float64 {
	q := knowledge.Normalize(query)
	switch {
	case runeLen(query) < 30:
		return ragBaseThreshold + 0.1
	case containsAny(q, []string{"so sánh", "phân tích", "mối quan hệ"}):
		return ragBaseThreshold - 0.1
	case containsAny(q, []string{"hoạt chất", "kỹ thuật", "nguyên tắc"}):
		return ragBaseThreshold + 0.05
	}
	return ragBaseThreshold
}

func averageSimilarity(sources []RAGSource) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum float64
	for _, s := range sources {
		sum += s.Similarity
	}
	return sum / float64(len(sources))
}

func ragConfidence(sources []RAGSource, answer string) float64 {
	avg := averageSimilarity(sources)
	for _, p := range noInfoPatterns {
		if p.MatchString(answer) {
			return min(avg*0.5, 0.3)
		}
	}

	count := min(float64(len(sources))/5, 1)
	length := 0.7
	if n := runeLen(answer); n > 100 && n < 2000 {
		length = 1
	}
	citation := 0.5
	if citationPattern.MatchString(answer) {
		citation = 1
	}
	return min(avg*0.4+count*0.2+length*0.2+citation*0.2, 1)
}

func synthesisPrompt(query string, sources []RAGSource) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		name := s.Filename
		if name == "" {
			name = "Unknown"
		}
		parts[i] = fmt.Sprintf("[Nguồn %d] (%s)\n%s", i+1, name, s.Content)
	}

	var b strings.Builder
	b.WriteString("Bạn là trợ lý AI chuyên về nông nghiệp tại Việt Nam.\n\n")
	b.WriteString("=== TÀI LIỆU THAM KHẢO ===\n")
	b.WriteString(strings.Join(parts, "\n\n---\n\n"))
	b.WriteString("\n\n=== CÂU HỎI ===\n")
	b.WriteString(query)
	b.WriteString(`

=== LƯU Ý QUAN TRỌNG ===
Các tài liệu trên được tìm kiếm theo ngữ nghĩa, do đó:
- Một số tài liệu có thể KHÔNG TRỰC TIẾP liên quan đến câu hỏi
- Một số tài liệu có thể nói về chủ đề TƯƠNG TỰ nhưng KHÔNG PHẢI chủ đề được hỏi
- Bạn CẦN CHỌN LỌC và CHỈ SỬ DỤNG thông tin ĐÚNG với câu hỏi

=== YÊU CẦU ===
1. ĐỌC KỸ câu hỏi để xác định CHÍNH XÁC chủ đề được hỏi
2. KIỂM TRA từng tài liệu xem có THỰC SỰ nói về chủ đề đó không
3. CHỈ SỬ DỤNG thông tin từ các tài liệu ĐÚNG chủ đề, BỎ QUA các tài liệu không liên quan
4. Nếu câu hỏi về một loại thông tin CỤ THỂ, CHỈ trả lời về loại đó
5. Nếu KHÔNG có tài liệu nào thực sự nói về chủ đề được hỏi, nói rõ: "Tài liệu không có thông tin về [chủ đề cụ thể]"
6. Trích dẫn nguồn bằng [Nguồn X] cho mỗi thông tin được sử dụng
7. Trả lời bằng tiếng Việt, rõ ràng, có cấu trúc (dùng gạch đầu dòng nếu phù hợp)

=== TRẢ LỜI ===`)
	return b.String()
}
