// Package router answers chat messages. A rule-based classifier picks
// the intent; command-like intents go to the action router and
// questions go through three layers in order: exact match against the
// knowledge base, retrieval-augmented generation, and a direct model
// call. Every routing decision is kept in a bounded audit log.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agrifarm/internal/users"
)

// Layer names the stage that produced a response.
type Layer string

// Layers.
const (
	LayerExact  Layer = "layer_1_exact"
	LayerRAG    Layer = "layer_2_rag"
	LayerLLM    Layer = "layer_3_llm"
	LayerAction Layer = "action_router"
)

// Error codes carried in Response.Error.
const (
	CodeAccessDenied  = "ACCESS_DENIED"
	CodeOutOfScope    = "OUT_OF_SCOPE"
	CodeOrchestration = "ORCHESTRATION_ERROR"
)

const (
	msgOutOfScope    = "Xin lỗi, tôi chỉ có thể hỗ trợ các câu hỏi liên quan đến nông nghiệp. Vui lòng hỏi về cây trồng, chăm sóc, thiết bị, hoặc quản lý nông trại."
	msgInternalError = "Xin lỗi, đã có lỗi xảy ra. Vui lòng thử lại."
	actionConfidence = 0.9
	excerptRunes     = 200
)

// Source is a piece of evidence behind an answer.
type Source struct {
	Type       string  `json:"type"`
	Reference  string  `json:"reference"`
	Confidence float64 `json:"confidence"`
	Excerpt    string  `json:"excerpt,omitempty"`
}

// ResponseError explains an unsuccessful response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Layer   Layer  `json:"layer"`
}

// Response is the reply to one chat message.
type Response struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	Intent       Intent         `json:"intent"`
	Layer        Layer          `json:"processingLayer"`
	Confidence   float64        `json:"confidence"`
	ResponseTime int64          `json:"responseTime"`
	RequestID    string         `json:"requestId"`
	Entities     []Entity       `json:"entities,omitempty"`
	Sources      []Source       `json:"sources,omitempty"`
	Error        *ResponseError `json:"error,omitempty"`
	Data         any            `json:"data,omitempty"`
}

// Decision records how one message was routed.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`

	// Input analysis
	QueryLength      int      `json:"query_length"`
	Intent           Intent   `json:"intent"`
	IntentConfidence float64  `json:"intent_confidence"`
	Entities         []string `json:"entities,omitempty"`

	// Decision process
	RulesEvaluated []string `json:"rules_evaluated"`
	RulesMatched   []string `json:"rules_matched"`

	// Outcome
	LayerSelected Layer   `json:"layer_selected"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
	ErrorCode     string  `json:"error_code,omitempty"`
	LatencyMs     int64   `json:"latency_ms"`
	Success       bool    `json:"success"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	LayerCounts   map[string]int64 `json:"layer_counts"`
	IntentCounts  map[string]int64 `json:"intent_counts"`
	ErrorCounts   map[string]int64 `json:"error_counts"`
	AvgLatencyMs  int64            `json:"avg_latency_ms"`
}

// Config holds router thresholds.
type Config struct {
	ExactMatchThreshold    float64 // Minimum exact-match score (default 0.7)
	RAGConfidenceThreshold float64 // Minimum RAG confidence (default 0.7)
	LLMFallbackThreshold   float64 // Model answers below this are flagged as low confidence (default 0.5)
	RAGTopK                int     // Chunks retrieved per question (default 5)
	MaxAuditLog            int     // How many decisions to keep in memory
	ModelName              string  // Reported as the source of model answers
}

// Deps are the stores and services the layers use. Nil knowledge or
// model dependencies disable the layer that needs them.
type Deps struct {
	Credits   CreditStore
	Chunks    ChunkSearcher
	Vectors   VectorStore
	Embedder  Embedder
	LLM       Generator
	Areas     AreaFinder
	Devices   DeviceSource
	Commander DeviceCommander
}

// Router classifies and answers chat messages.
type Router struct {
	logger     *slog.Logger
	config     Config
	credits    CreditStore
	classifier *Classifier
	exact      *ExactMatcher
	rag        *RAG
	fallback   *Fallback
	actions    *ActionRouter

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
	latency  int64
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config, deps Deps) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ExactMatchThreshold <= 0 {
		config.ExactMatchThreshold = 0.7
	}
	if config.RAGConfidenceThreshold <= 0 {
		config.RAGConfidenceThreshold = 0.7
	}
	if config.LLMFallbackThreshold <= 0 {
		config.LLMFallbackThreshold = 0.5
	}
	if config.RAGTopK <= 0 {
		config.RAGTopK = 5
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.ModelName == "" {
		config.ModelName = "llm"
	}

	r := &Router{
		logger:     logger,
		config:     config,
		credits:    deps.Credits,
		classifier: NewClassifier(),
		fallback:   NewFallback(deps.LLM, logger),
		auditLog:   make([]Decision, 0, min(config.MaxAuditLog, 1000)),
		stats: Stats{
			LayerCounts:  make(map[string]int64),
			IntentCounts: make(map[string]int64),
			ErrorCounts:  make(map[string]int64),
		},
	}
	if deps.Chunks != nil {
		r.exact = NewExactMatcher(deps.Chunks, config.ExactMatchThreshold)
	}
	if deps.Vectors != nil && deps.Embedder != nil && deps.LLM != nil {
		r.rag = NewRAG(deps.Vectors, deps.Embedder, deps.LLM, config.RAGTopK)
	}
	if deps.Areas != nil && deps.Devices != nil {
		r.actions = NewActionRouter(deps.Areas, deps.Devices, deps.Commander, logger)
	}
	return r
}

// KnowledgeChanged drops cached exact-match results.
func (r *Router) KnowledgeChanged() {
	if r.exact != nil {
		r.exact.Reset()
	}
}

// Route answers query on behalf of u. Failures inside a layer are
// reported in the response; an error is returned only for a missing
// user or a cancelled context.
func (r *Router) Route(ctx context.Context, u *users.User, query string) (*Response, error) {
	if u == nil {
		return nil, errors.New("router: nil user")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	cls := r.classifier.Classify(query)
	d := &Decision{
		RequestID:        uuid.Must(uuid.NewV7()).String(),
		Timestamp:        start,
		UserID:           u.ID,
		QueryLength:      runeLen(query),
		Intent:           cls.Intent,
		IntentConfidence: cls.Confidence,
	}
	for _, e := range cls.Entities {
		d.Entities = append(d.Entities, string(e.Type))
	}

	resp, err := r.route(ctx, u, &cls, d)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		r.logger.Error("routing failed", "request_id", d.RequestID, "intent", cls.Intent, "error", err)
		d.Reasoning += "Internal failure: " + err.Error() + "."
		resp = &Response{
			Message: msgInternalError,
			Intent:  cls.Intent,
			Layer:   LayerLLM,
			Error:   &ResponseError{Code: CodeOrchestration, Message: err.Error(), Layer: LayerLLM},
		}
	}

	resp.RequestID = d.RequestID
	resp.Entities = cls.Entities
	resp.ResponseTime = time.Since(start).Milliseconds()

	d.LayerSelected = resp.Layer
	d.Confidence = resp.Confidence
	d.Success = resp.Success
	d.LatencyMs = resp.ResponseTime
	if resp.Error != nil {
		d.ErrorCode = resp.Error.Code
	}
	r.recordDecision(*d)

	r.logger.Info("message routed",
		"request_id", d.RequestID,
		"intent", cls.Intent,
		"layer", resp.Layer,
		"confidence", resp.Confidence,
		"latency_ms", resp.ResponseTime,
	)
	return resp, nil
}

func (r *Router) route(ctx context.Context, u *users.User, cls *Classification, d *Decision) (*Response, error) {
	d.RulesEvaluated = append(d.RulesEvaluated, "access")
	deny, err := checkAccess(ctx, r.credits, u, cls.Intent)
	if err != nil {
		return nil, fmt.Errorf("access check: %w", err)
	}
	if deny != "" {
		d.Reasoning = "Access denied for " + string(cls.Intent) + "."
		return &Response{
			Message: deny,
			Intent:  cls.Intent,
			Layer:   LayerLLM,
			Error:   &ResponseError{Code: CodeAccessDenied, Message: deny, Layer: LayerLLM},
		}, nil
	}
	d.RulesMatched = append(d.RulesMatched, "access")

	switch {
	case cls.Intent == IntentUnknown:
		d.RulesEvaluated = append(d.RulesEvaluated, "scope")
		scope := ValidateScope(cls.Query)
		if !scope.Valid {
			d.Reasoning = "Unknown intent rejected: " + scope.Reason + "."
			return &Response{
				Message: msgOutOfScope,
				Intent:  cls.Intent,
				Layer:   LayerLLM,
				Error:   &ResponseError{Code: CodeOutOfScope, Message: scope.Reason, Layer: LayerLLM},
			}, nil
		}
		d.RulesMatched = append(d.RulesMatched, "scope")
		d.Reasoning = "Unknown intent within scope, answered by the model."
		return r.answerWithModel(ctx, cls, d, "unknown intent within scope"), nil

	case cls.Intent.IsAction():
		return r.routeAction(ctx, u, cls, d)
	}
	return r.routeKnowledge(ctx, cls, d), nil
}

func (r *Router) routeAction(ctx context.Context, u *users.User, cls *Classification, d *Decision) (*Response, error) {
	d.RulesEvaluated = append(d.RulesEvaluated, string(LayerAction))
	if r.actions == nil {
		return nil, errors.New("action router not configured")
	}
	res := r.actions.Route(ctx, u.ID, cls)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.RulesMatched = append(d.RulesMatched, string(LayerAction))
	d.Reasoning = "Action intent " + string(cls.Intent) + " handled from farm data."
	return &Response{
		Success:    res.Success,
		Message:    res.Message,
		Intent:     cls.Intent,
		Layer:      LayerAction,
		Confidence: actionConfidence,
		Data:       res.Data,
	}, nil
}

func (r *Router) routeKnowledge(ctx context.Context, cls *Classification, d *Decision) *Response {
	var reasons []string

	if r.exact != nil {
		d.RulesEvaluated = append(d.RulesEvaluated, string(LayerExact))
		res, err := r.exact.Match(ctx, cls.Query)
		switch {
		case err != nil:
			r.logger.Warn("exact match failed", "request_id", d.RequestID, "error", err)
			reasons = append(reasons, "exact match failed")
		case res.Found:
			d.RulesMatched = append(d.RulesMatched, string(LayerExact))
			d.Reasoning = fmt.Sprintf("Exact match %.2f from %s.", res.Confidence, res.Filename)
			return &Response{
				Success:    true,
				Message:    res.Content,
				Intent:     cls.Intent,
				Layer:      LayerExact,
				Confidence: res.Confidence,
				Sources:    []Source{{Type: "document", Reference: sourceName(res.Filename), Confidence: res.Confidence}},
			}
		default:
			reasons = append(reasons, fmt.Sprintf("exact match %.2f below %.2f", res.Confidence, r.config.ExactMatchThreshold))
		}
	}

	if r.rag != nil {
		d.RulesEvaluated = append(d.RulesEvaluated, string(LayerRAG))
		res, err := r.rag.Answer(ctx, cls.Query)
		switch {
		case err != nil:
			r.logger.Warn("rag failed", "request_id", d.RequestID, "error", err)
			reasons = append(reasons, "rag failed")
		case res.Confidence >= r.config.RAGConfidenceThreshold:
			d.RulesMatched = append(d.RulesMatched, string(LayerRAG))
			d.Reasoning = strings.Join(append(reasons, fmt.Sprintf("RAG confidence %.2f from %d chunks.", res.Confidence, len(res.Sources))), "; ")
			sources := make([]Source, len(res.Sources))
			for i, s := range res.Sources {
				sources[i] = Source{
					Type:       "rag_document",
					Reference:  sourceName(s.Filename),
					Confidence: s.Similarity,
					Excerpt:    excerpt(s.Content),
				}
			}
			return &Response{
				Success:    true,
				Message:    res.Answer,
				Intent:     cls.Intent,
				Layer:      LayerRAG,
				Confidence: res.Confidence,
				Sources:    sources,
				Data: map[string]any{
					"retrievalTime": res.RetrievalTime.Milliseconds(),
					"synthesisTime": res.SynthesisTime.Milliseconds(),
					"chunksUsed":    len(res.Sources),
				},
			}
		default:
			reasons = append(reasons, fmt.Sprintf("rag confidence %.2f below %.2f", res.Confidence, r.config.RAGConfidenceThreshold))
		}
	}

	reasons = append(reasons, "answered by the model")
	d.Reasoning = strings.Join(reasons, "; ") + "."
	return r.answerWithModel(ctx, cls, d, "no relevant documents found")
}

func (r *Router) answerWithModel(ctx context.Context, cls *Classification, d *Decision, reason string) *Response {
	d.RulesEvaluated = append(d.RulesEvaluated, string(LayerLLM))
	res := r.fallback.Answer(ctx, cls.Query, reason)
	if !res.Failed {
		d.RulesMatched = append(d.RulesMatched, string(LayerLLM))
		if res.Confidence < r.config.LLMFallbackThreshold {
			d.Reasoning += fmt.Sprintf(" Model answer confidence %.2f below %.2f.", res.Confidence, r.config.LLMFallbackThreshold)
			r.logger.Debug("low confidence model answer",
				"request_id", d.RequestID,
				"confidence", res.Confidence,
			)
		}
	}
	return &Response{
		Success:    true,
		Message:    res.Answer,
		Intent:     cls.Intent,
		Layer:      LayerLLM,
		Confidence: res.Confidence,
		Sources:    []Source{{Type: "llm", Reference: r.config.ModelName, Confidence: res.Confidence}},
	}
}

// sourceName strips the extension from a document file name.
func sourceName(filename string) string {
	if filename == "" {
		return "Unknown"
	}
	if i := strings.LastIndexByte(filename, '.'); i > 0 {
		return filename[:i]
	}
	return filename
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= excerptRunes {
		return s
	}
	return string(r[:excerptRunes]) + "..."
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.LayerCounts[string(d.LayerSelected)]++
	r.stats.IntentCounts[string(d.Intent)]++
	if d.ErrorCode != "" {
		r.stats.ErrorCounts[d.ErrorCode]++
	}
	r.latency += d.LatencyMs
	r.stats.AvgLatencyMs = r.latency / r.stats.TotalRequests
}

// AuditLog returns the most recent routing decisions, oldest first.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// Stats returns a snapshot of routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.stats
	out.LayerCounts = copyCounts(r.stats.LayerCounts)
	out.IntentCounts = copyCounts(r.stats.IntentCounts)
	out.ErrorCounts = copyCounts(r.stats.ErrorCounts)
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Explain returns the decision recorded for requestID, or nil once it
// has aged out of the log.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
