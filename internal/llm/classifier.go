package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lazypower/questlog/internal/errs"
)

// Classifier tags text with weighted action labels.
type Classifier interface {
	Classify(ctx context.Context, text string) (map[string]float64, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (map[string]float64, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (map[string]float64, error) {
	return f(ctx, text)
}

// LLMClassifier classifies with an LLM completion.
type LLMClassifier struct {
	client Client
	known  func() []string
}

// NewClassifier returns a classifier backed by client. known, if non-nil,
// supplies the action labels to steer the model toward.
func NewClassifier(client Client, known func() []string) *LLMClassifier {
	return &LLMClassifier{client: client, known: known}
}

// Classify returns label → weight for text.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (map[string]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation("llm.Classify", "empty text")
	}
	var known []string
	if c.known != nil {
		known = c.known()
	}
	resp, err := c.client.Complete(ctx, ClassificationPrompt(text, known))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errs.Errorf(errs.KindServer, "llm.Classify", "empty completion")
	}
	return ParseClassification(resp.Content)
}

// ParseClassification strictly decodes a classifier response of the form
// {"actions": {"Label": weight}}. Code fences around the object are tolerated;
// unknown fields, blank labels and weights outside [0,1] are not. Labels that
// differ only in case or surrounding space are merged, keeping the larger
// weight.
func ParseClassification(content string) (map[string]float64, error) {
	const op = "llm.ParseClassification"
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errs.Validation(op, "no JSON object in response")
	}

	var out struct {
		Actions map[string]float64 `json:"actions"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(content[start : end+1])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, errs.E(errs.KindValidation, op, fmt.Errorf("decode: %w", err))
	}
	if out.Actions == nil {
		return nil, errs.Validation(op, "response has no actions object")
	}

	seeds := make(map[string]float64, len(out.Actions))
	canonical := make(map[string]string, len(out.Actions))
	for label, w := range out.Actions {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, errs.Validation(op, "blank action label")
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return nil, errs.Validation(op, "weight %v for %q outside [0,1]", w, label)
		}
		if w == 0 {
			continue
		}
		key := strings.ToLower(label)
		if prev, ok := canonical[key]; ok {
			if w > seeds[prev] {
				seeds[prev] = w
			}
			continue
		}
		canonical[key] = label
		seeds[label] = w
	}
	return seeds, nil
}
