package selection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Method identifies which selector path produced a decision.
type Method string

const (
	MethodClassifier     Method = "classifier"
	MethodClassifierDocs Method = "classifier+docs"
	MethodDocs           Method = "docs"
	MethodHeuristic      Method = "heuristic"
	// MethodNone is an explicit "no tools" decision; distinct from a
	// selection failure, which always degrades to the heuristic path.
	MethodNone Method = "none"
)

// Options narrow a selection request.
type Options struct {
	Capabilities  []string // restrict to tools carrying any of these tags
	SkipExpensive bool     // drop tools flagged Expensive in the catalog
	ExcludeSearch bool     // omit the generic search fallback capability
}

// Decision is the write-once record of one tool selection.
type Decision struct {
	ID            string             `json:"id"`
	Query         string             `json:"query"`
	Tools         []ScoredTool       `json:"tools"`
	Method        Method             `json:"method"`
	AvgConfidence float64            `json:"avg_confidence"`
	Probabilities map[string]float64 `json:"probabilities,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ToolNames returns the selected tool names in decision order.
func (d *Decision) ToolNames() []string {
	names := make([]string, len(d.Tools))
	for i, t := range d.Tools {
		names[i] = t.Name
	}
	return names
}

// DecisionSink receives completed decisions for observability.
type DecisionSink interface {
	Record(ctx context.Context, decision *Decision) error
}

// Hybrid arbitrates the learned classifier, the doc-similarity fallback,
// and the deterministic heuristic selector. Embedding and model errors are
// caught at this boundary and trigger the next fallback tier; Select never
// returns an error to the caller.
type Hybrid struct {
	embedder   Embedder
	classifier *Classifier
	docs       *DocSimSelector
	heuristic  *HeuristicSelector
	catalog    *Catalog

	confidenceThreshold float64
	augmentThreshold    float64
	docScoreDampening   float64
	maxTools            int

	stats  *Stats
	sink   DecisionSink
	logger zerolog.Logger
	bg     conc.WaitGroup
}

// HybridParams bundles the tuned thresholds. Defaults applied for zero values.
type HybridParams struct {
	ConfidenceThreshold float64
	AugmentThreshold    float64
	DocScoreDampening   float64
	MaxTools            int
}

// NewHybrid wires the three selectors behind the arbitration policy.
// The sink may be nil.
func NewHybrid(embedder Embedder, classifier *Classifier, docs *DocSimSelector, heuristic *HeuristicSelector, catalog *Catalog, params HybridParams, sink DecisionSink, logger zerolog.Logger) *Hybrid {
	if params.AugmentThreshold == 0 {
		params.AugmentThreshold = 0.4
	}
	if params.DocScoreDampening == 0 {
		params.DocScoreDampening = 0.7
	}
	if params.MaxTools == 0 {
		params.MaxTools = 5
	}
	return &Hybrid{
		embedder:            embedder,
		classifier:          classifier,
		docs:                docs,
		heuristic:           heuristic,
		catalog:             catalog,
		confidenceThreshold: params.ConfidenceThreshold,
		augmentThreshold:    params.AugmentThreshold,
		docScoreDampening:   params.DocScoreDampening,
		maxTools:            params.MaxTools,
		stats:               NewStats(),
		sink:                sink,
		logger:              logger.With().Str("component", "tool_selection").Logger(),
	}
}

// Stats exposes the telemetry collector.
func (h *Hybrid) Stats() *Stats { return h.stats }

// Select decides which tools to expose to the model for a query.
func (h *Hybrid) Select(ctx context.Context, query string, opts Options) *Decision {
	start := time.Now()

	var (
		tools  []ScoredTool
		probs  map[string]float64
		method Method
	)

	tools, probs, method = h.classifierPath(ctx, query, opts)

	if method == "" || len(tools) == 0 {
		// Classifier unavailable, errored, or merged set still empty:
		// fall back entirely to the heuristic selector.
		tools = h.filter(h.heuristic.Select(query, opts.ExcludeSearch), opts)
		method = MethodHeuristic
		h.stats.RecordFallback()
	}

	if len(tools) == 0 {
		// All selectors legitimately returned nothing: an explicit
		// "no tools" decision, not a failure.
		method = MethodNone
	}
	if h.maxTools > 0 && len(tools) > h.maxTools {
		tools = tools[:h.maxTools]
	}
	sortScored(tools)

	decision := &Decision{
		ID:            uuid.New().String(),
		Query:         query,
		Tools:         tools,
		Method:        method,
		AvgConfidence: avgScore(tools),
		Probabilities: probs,
		CreatedAt:     time.Now(),
	}

	h.stats.Record(string(method), decision.AvgConfidence, time.Since(start), tools)
	h.recordDecision(decision)

	h.logger.Debug().
		Str("decision_id", decision.ID).
		Str("method", string(method)).
		Float64("avg_confidence", decision.AvgConfidence).
		Strs("tools", decision.ToolNames()).
		Msg("tool selection complete")

	return decision
}

// classifierPath runs steps 1-2 of the arbitration policy. An empty method
// means the caller must use the heuristic tier.
func (h *Hybrid) classifierPath(ctx context.Context, query string, opts Options) ([]ScoredTool, map[string]float64, Method) {
	if h.classifier == nil || !h.classifier.Loaded() {
		return nil, nil, ""
	}

	embedding, err := h.embedder.Embed(ctx, query)
	if err != nil {
		h.logger.Warn().Err(err).Msg("query embedding failed, degrading to heuristic")
		return nil, nil, ""
	}

	probs, err := h.classifier.PredictProba(embedding)
	if err != nil {
		h.logger.Warn().Err(err).Msg("classifier predict failed, degrading to heuristic")
		return nil, nil, ""
	}

	var selected []ScoredTool
	for name, p := range probs {
		if p >= h.confidenceThreshold {
			selected = append(selected, ScoredTool{Name: name, Score: p})
		}
	}
	selected = h.filter(selected, opts)
	sortScored(selected)
	if h.maxTools > 0 && len(selected) > h.maxTools {
		selected = selected[:h.maxTools]
	}

	method := MethodClassifier
	if len(selected) == 0 || avgScore(selected) < h.augmentThreshold {
		merged, augmented := h.augmentWithDocs(ctx, query, selected, opts)
		if augmented {
			selected = merged
			if len(selected) > 0 {
				method = MethodClassifierDocs
				if allFromDocs(selected, probs, h.confidenceThreshold) {
					method = MethodDocs
				}
			}
		}
	}

	return selected, probs, method
}

// augmentWithDocs merges doc-similarity matches into the classifier set,
// keeping all classifier tools and appending dampened doc scores.
func (h *Hybrid) augmentWithDocs(ctx context.Context, query string, selected []ScoredTool, opts Options) ([]ScoredTool, bool) {
	if h.docs == nil {
		return selected, false
	}
	docTools, err := h.docs.Select(ctx, query, opts.Capabilities)
	if err != nil {
		h.logger.Warn().Err(err).Msg("doc-similarity augmentation failed")
		return selected, false
	}

	present := make(map[string]bool, len(selected))
	for _, t := range selected {
		present[t.Name] = true
	}
	merged := selected
	for _, dt := range h.filter(docTools, opts) {
		if present[dt.Name] {
			continue
		}
		if h.maxTools > 0 && len(merged) >= h.maxTools {
			break
		}
		merged = append(merged, ScoredTool{Name: dt.Name, Score: dt.Score * h.docScoreDampening})
		present[dt.Name] = true
	}
	return merged, true
}

// filter enforces catalog membership, the capability filter, and the
// skip-expensive flag.
func (h *Hybrid) filter(tools []ScoredTool, opts Options) []ScoredTool {
	var allowed map[string]bool
	if len(opts.Capabilities) > 0 {
		allowed = make(map[string]bool)
		for _, cap := range opts.Capabilities {
			for _, name := range h.catalog.ByCapability(cap) {
				allowed[name] = true
			}
		}
	}

	var out []ScoredTool
	for _, t := range tools {
		info, ok := h.catalog.Get(t.Name)
		if !ok {
			continue // stale artifact entry for a tool not in the catalog
		}
		if allowed != nil && !allowed[t.Name] {
			continue
		}
		if opts.SkipExpensive && info.Expensive {
			continue
		}
		out = append(out, t)
	}
	return out
}

// recordDecision hands the decision to the sink without blocking the
// response path. Sink failures are logged and swallowed.
func (h *Hybrid) recordDecision(decision *Decision) {
	if h.sink == nil {
		return
	}
	h.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.sink.Record(ctx, decision); err != nil {
			h.logger.Warn().Err(err).Str("decision_id", decision.ID).Msg("decision sink write failed")
		}
	})
}

// Close waits for background decision writes to drain.
func (h *Hybrid) Close() {
	h.bg.Wait()
}

func avgScore(tools []ScoredTool) float64 {
	if len(tools) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range tools {
		sum += t.Score
	}
	return sum / float64(len(tools))
}

// allFromDocs reports whether no tool in the set cleared the classifier
// threshold on its own.
func allFromDocs(tools []ScoredTool, probs map[string]float64, threshold float64) bool {
	if len(tools) == 0 {
		return false
	}
	for _, t := range tools {
		if p, ok := probs[t.Name]; ok && p >= threshold {
			return false
		}
	}
	return true
}
