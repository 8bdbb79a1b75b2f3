package router

import (
	"context"
	"log/slog"
	"strings"
)

const (
	fallbackTemperature = 0.7
	fallbackBase        = 0.5
	fallbackApology     = "Xin lỗi, tôi không thể trả lời câu hỏi này lúc này. Vui lòng thử lại sau hoặc liên hệ với chuyên gia nông nghiệp."

	fallbackPrompt = `Bạn là trợ lý AI chuyên về nông nghiệp tại Việt Nam.
Bạn CHỈ trả lời các câu hỏi liên quan đến nông nghiệp, trồng trọt, chăm sóc cây, thiết bị nông nghiệp, và quản lý nông trại.

Câu hỏi: {query}

Hướng dẫn:
- Nếu câu hỏi là lời chào/cảm ơn: Trả lời lịch sự và giới thiệu bạn có thể hỗ trợ gì về nông nghiệp
- Nếu câu hỏi KHÔNG liên quan đến nông nghiệp: Từ chối lịch sự và đề xuất hỏi về nông nghiệp
- Nếu câu hỏi về nông nghiệp: Trả lời chi tiết, chính xác bằng tiếng Việt
- Nếu không chắc chắn: Nói rõ và đề xuất tìm hiểu thêm

Trả lời:`
)

var genericPhrases = []string{"xin lỗi", "không biết", "không chắc", "có thể", "tùy thuộc"}

// FallbackResult is a free-form model answer.
type FallbackResult struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"fallbackReason"`
	Failed     bool    `json:"-"`
}

// Fallback asks the model directly when no document answers a
// question.
type Fallback struct {
	llm    Generator
	logger *slog.Logger
}

// NewFallback returns a fallback answering through llm.
func NewFallback(llm Generator, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{llm: llm, logger: logger}
}

// Answer never fails: a model error yields an apology with zero
// confidence.
func (f *Fallback) Answer(ctx context.Context, query, reason string) FallbackResult {
	if f.llm == nil {
		return FallbackResult{Answer: fallbackApology, Reason: "no model configured", Failed: true}
	}
	prompt := strings.Replace(fallbackPrompt, "{query}", query, 1)
	answer, err := f.llm.Generate(ctx, "", prompt, fallbackTemperature)
	if err != nil {
		f.logger.Warn("llm fallback failed", "reason", reason, "error", err)
		return FallbackResult{Answer: fallbackApology, Reason: "llm error", Failed: true}
	}
	answer = strings.TrimSpace(answer)
	return FallbackResult{
		Answer:     answer,
		Confidence: fallbackConfidence(query, answer),
		Reason:     reason,
	}
}

// fallbackConfidence rewards long, structured answers that reuse the
// question's words and penalizes hedging.
func fallbackConfidence(query, answer string) float64 {
	conf := fallbackBase
	if runeLen(answer) > 100 {
		conf += 0.1
	}
	if strings.Contains(answer, "•") || strings.Contains(answer, "-") || strings.Contains(answer, "1.") {
		conf += 0.1
	}

	lower := strings.ToLower(answer)
	qWords := strings.Fields(strings.ToLower(query))
	aWords := strings.Fields(lower)
	overlap := 0
	for _, q := range qWords {
		for _, a := range aWords {
			if strings.Contains(a, q) || strings.Contains(q, a) {
				overlap++
				break
			}
		}
	}
	if float64(overlap) > float64(len(qWords))*0.3 {
		conf += 0.1
	}

	for _, p := range genericPhrases {
		if strings.Contains(lower, p) {
			conf -= 0.1
			break
		}
	}
	return max(0, min(1, conf))
}
