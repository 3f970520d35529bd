package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ErrModelUnavailable marks a missing or unusable classifier artifact.
// It triggers the selector fallback chain, never a user-visible failure.
var ErrModelUnavailable = errors.New("classifier model unavailable")

// classifierArtifact is the on-disk format of the offline-trained model:
// one logistic-regression head per tool over the query embedding.
type classifierArtifact struct {
	Dims  int `json:"dims"`
	Tools []struct {
		Name       string    `json:"name"`
		Weights    []float64 `json:"weights"`
		Bias       float64   `json:"bias"`
		Degenerate bool      `json:"degenerate"` // single-class training distribution
	} `json:"tools"`
}

// Classifier scores tools against a query embedding using offline-trained
// per-tool logistic heads. Safe for concurrent use; Reload swaps the model
// under the write lock.
type Classifier struct {
	mu         sync.RWMutex
	path       string
	weights    *mat.Dense // tools x dims
	bias       []float64
	names      []string // row order of weights
	degenerate map[string]bool
	dims       int
	loaded     bool
}

// NewClassifier creates an unloaded classifier bound to an artifact path.
func NewClassifier(path string) *Classifier {
	return &Classifier{path: path, degenerate: make(map[string]bool)}
}

// Load reads and installs the artifact. A missing or corrupt file returns
// ErrModelUnavailable and leaves any previously loaded model in place.
func (c *Classifier) Load() error {
	if c.path == "" {
		return fmt.Errorf("%w: no artifact path configured", ErrModelUnavailable)
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return c.LoadBytes(data)
}

// LoadBytes installs an artifact from raw JSON.
func (c *Classifier) LoadBytes(data []byte) error {
	var art classifierArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if art.Dims <= 0 || len(art.Tools) == 0 {
		return fmt.Errorf("%w: empty artifact", ErrModelUnavailable)
	}

	names := make([]string, 0, len(art.Tools))
	degenerate := make(map[string]bool, len(art.Tools))
	weights := mat.NewDense(len(art.Tools), art.Dims, nil)
	bias := make([]float64, len(art.Tools))

	for i, t := range art.Tools {
		if t.Name == "" {
			return fmt.Errorf("%w: tool %d has no name", ErrModelUnavailable, i)
		}
		if !t.Degenerate && len(t.Weights) != art.Dims {
			return fmt.Errorf("%w: tool %s has %d weights, want %d", ErrModelUnavailable, t.Name, len(t.Weights), art.Dims)
		}
		names = append(names, t.Name)
		degenerate[t.Name] = t.Degenerate
		if !t.Degenerate {
			weights.SetRow(i, t.Weights)
		}
		bias[i] = t.Bias
	}

	c.mu.Lock()
	c.weights = weights
	c.bias = bias
	c.names = names
	c.degenerate = degenerate
	c.dims = art.Dims
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// Loaded reports whether a usable model is installed.
func (c *Classifier) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// PredictProba returns a per-tool probability map for the embedding.
// Degenerate tools deterministically score 0 rather than extrapolating.
func (c *Classifier) PredictProba(embedding []float64) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.loaded {
		return nil, ErrModelUnavailable
	}
	if len(embedding) != c.dims {
		return nil, fmt.Errorf("%w: embedding has %d dims, model wants %d", ErrModelUnavailable, len(embedding), c.dims)
	}

	x := mat.NewVecDense(c.dims, embedding)
	scores := mat.NewVecDense(len(c.names), nil)
	scores.MulVec(c.weights, x)

	probs := make(map[string]float64, len(c.names))
	for i, name := range c.names {
		if c.degenerate[name] {
			probs[name] = 0
			continue
		}
		probs[name] = sigmoid(scores.AtVec(i) + c.bias[i])
	}
	return probs, nil
}

// Predict filters PredictProba to tools at or above threshold, sorted by
// probability descending, ties broken by name ascending.
func (c *Classifier) Predict(embedding []float64, threshold float64) ([]ScoredTool, error) {
	probs, err := c.PredictProba(embedding)
	if err != nil {
		return nil, err
	}
	var out []ScoredTool
	for name, p := range probs {
		if p >= threshold {
			out = append(out, ScoredTool{Name: name, Score: p})
		}
	}
	sortScored(out)
	return out, nil
}

// ScoredTool pairs a tool name with a selector confidence score.
type ScoredTool struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// sortScored orders by score descending then name ascending.
func sortScored(tools []ScoredTool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Score != tools[j].Score {
			return tools[i].Score > tools[j].Score
		}
		return tools[i].Name < tools[j].Name
	})
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
