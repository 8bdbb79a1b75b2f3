package router

import "github.com/nugget/agrifarm/internal/knowledge"

var (
	greetingKeywords = []string{
		"xin chào", "chào", "hello", "hi", "hey", "cảm ơn", "thanks", "thank you",
		"cám ơn", "tạm biệt", "bye", "goodbye", "chào tạm biệt", "ok", "okay",
		"được", "rồi", "oke",
	}
	codingKeywords = []string{
		"viết chương trình", "code", "programming", "python", "javascript", "java",
		"c++", "html", "css", "function", "class", "algorithm", "thuật toán",
		"lập trình", "debug", "compile", "syntax", "hello world", "script", "php",
		"ruby", "sql query", "database schema",
	}
	offTopicKeywords = []string{
		"toán học", "vật lý", "hóa học", "math", "physics", "chemistry",
		"giải phương trình", "tính tích phân", "integral", "derivative",
		"lịch sử", "địa lý", "history", "geography", "bóng đá", "football",
		"soccer", "basketball", "điện ảnh", "phim", "movie", "film", "âm nhạc",
		"music", "bài hát", "song", "du lịch", "travel", "khách sạn", "hotel",
		"y tế", "bệnh viện", "thuốc", "medicine", "doctor",
	}
	agricultureKeywords = []string{
		"nông", "farm", "crop", "plant", "trồng", "cây", "lúa", "rau", "cà", "đất",
		"phân", "bón", "tưới", "máy", "thiết bị", "cảm biến", "nhiệt độ", "độ ẩm",
		"thu hoạch", "gieo", "chăm sóc", "vườn", "ruộng",
	}
)

// ScopeResult says whether an unclassified query may reach the model.
type ScopeResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateScope screens a query no intent rule matched. Short greetings
// pass; programming and other off-topic subjects are rejected; anything
// mentioning farming passes; what remains passes unless it is long.
func ValidateScope(query string) ScopeResult {
	q := knowledge.Normalize(query)
	n := runeLen(q)

	switch {
	case n < 30 && containsAny(q, greetingKeywords):
		return ScopeResult{Valid: true}
	case containsAny(q, codingKeywords):
		return ScopeResult{Reason: "programming query is outside agriculture"}
	case containsAny(q, offTopicKeywords):
		return ScopeResult{Reason: "off-topic query is outside agriculture"}
	case containsAny(q, agricultureKeywords):
		return ScopeResult{Valid: true}
	case n < 10:
		return ScopeResult{Valid: true}
	case n > 200:
		return ScopeResult{Reason: "long query without agriculture terms"}
	}
	return ScopeResult{Valid: true}
}
