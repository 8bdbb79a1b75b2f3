package router

import (
	"regexp"
	"time"

	"github.com/nugget/agrifarm/internal/knowledge"
)

// Intent is what a chat message asks for.
type Intent string

// Intents.
const (
	IntentKnowledge     Intent = "knowledge_query"
	IntentFinancial     Intent = "financial_query"
	IntentDeviceControl Intent = "device_control"
	IntentSensor        Intent = "sensor_query"
	IntentUnknown       Intent = "unknown"
)

// IsAction reports whether the intent is served from farm data and
// devices rather than from the knowledge layers.
func (i Intent) IsAction() bool {
	switch i {
	case IntentFinancial, IntentDeviceControl, IntentSensor:
		return true
	}
	return false
}

// Classification is the outcome of rule-based intent detection.
type Classification struct {
	Intent     Intent   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Entities   []Entity `json:"entities"`
	Query      string   `json:"originalQuery"`
	Normalized string   `json:"normalizedQuery"`
}

// Entity returns the first entity of type t.
func (c *Classification) Entity(t EntityType) (Entity, bool) {
	for _, e := range c.Entities {
		if e.Type == t {
			return e, true
		}
	}
	return Entity{}, false
}

type intentRule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// intentRules are checked in order; the first intent with a matching
// pattern wins. "ph" needs letter boundaries so it does not match
// "phút" or "phân".
var intentRules = []intentRule{
	{IntentDeviceControl, compileAll(`bật`, `tắt`, `điều\s*khiển`, `thiết\s*bị`, `máy`, `hệ\s*thống`)},
	{IntentFinancial, compileAll(`doanh\s*thu`, `thu\s*nhập`, `lợi\s*nhuận`, `chi\s*phí`, `tổng\s*tiền`, `bao\s*nhiêu\s*tiền`, `giá\s*trị`)},
	{IntentSensor, compileAll(`cảm\s*biến`, `nhiệt\s*độ`, `độ\s*ẩm`, `ánh\s*sáng`, `(?:^|[^\pL])ph(?:[^\pL]|$)`, `đo`, `giám\s*sát`)},
	{IntentKnowledge, compileAll(`là\s*gì`, `thế\s*nào`, `như\s*thế\s*nào`, `tại\s*sao`, `vì\s*sao`, `cách`, `hướng\s*dẫn`, `bệnh`, `sâu`, `trồng`, `chăm\s*sóc`)},
}

// Classifier detects intents and extracts entities from Vietnamese
// farm questions.
type Classifier struct {
	now func() time.Time
}

// NewClassifier returns a classifier resolving relative dates against
// the wall clock.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now}
}

// Classify normalizes query and returns its intent, confidence and
// entities. A query no rule matches is IntentUnknown.
func (c *Classifier) Classify(query string) Classification {
	norm := knowledge.Normalize(query)
	res := Classification{
		Intent:     IntentUnknown,
		Query:      query,
		Normalized: norm,
		Entities:   c.extractEntities(query, norm),
	}
	for _, rule := range intentRules {
		if conf, ok := scoreRule(norm, rule.patterns); ok {
			res.Intent, res.Confidence = rule.intent, conf
			break
		}
	}
	return res
}

// scoreRule is the longest match as a share of the query plus 0.1 per
// matching pattern (at most 0.3), capped at 1.
func scoreRule(norm string, patterns []*regexp.Regexp) (float64, bool) {
	qlen := runeLen(norm)
	if qlen == 0 {
		return 0, false
	}
	best, count := 0.0, 0
	for _, p := range patterns {
		m := p.FindString(norm)
		if m == "" {
			continue
		}
		count++
		best = max(best, min(float64(runeLen(m))/float64(qlen), 1))
	}
	if count == 0 {
		return 0, false
	}
	return min(best+min(0.1*float64(count), 0.3), 1), true
}
