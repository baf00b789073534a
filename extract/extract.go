// Package extract turns stored messages into entity observations. A
// Pipeline batches messages into one model call, parses the strict JSON
// response positionally and hands the result to the store for an atomic
// commit. Extractors are pluggable: an OpenAI-compatible HTTP client, the
// Anthropic SDK, or a local subprocess.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marrowlabs/marrow/store"
)

// Extractor is the model port: prompt in, raw response text out. Extract
// must honor ctx cancellation and deadlines.
type Extractor interface {
	Extract(ctx context.Context, prompt string) (string, error)
	Name() string
}

// BatchMessage is one message queued for extraction.
type BatchMessage struct {
	ID      string
	Content string
}

// BatchResult is the normalized output of one pipeline run.
type BatchResult struct {
	RunID        string
	Extractor    string
	ProcessingMS int64
	PerMessage   []store.MessageEntities
}

// Default pipeline knobs.
const (
	DefaultTimeout   = 2 * time.Minute
	DefaultBatchSize = 20
)

// allowedTypes is the closed category set extractors may emit. Entities
// with any other type are dropped as data-level noise.
var allowedTypes = map[string]bool{
	"person":       true,
	"date":         true,
	"question":     true,
	"keyword":      true,
	"organization": true,
	"product":      true,
}

// IsAllowedType reports whether typ is an accepted entity category.
func IsAllowedType(typ string) bool {
	return allowedTypes[typ]
}

const extractionPromptHeader = `You are an entity extraction engine. Extract entities from each numbered message below.

Rules:
1. type must be one of: person/date/question/keyword/organization/product
2. confidence must be in [0.0, 1.0]
3. Extract only what the text states, no speculation
4. Return exactly one result per message, in input order

Return a strict JSON object:
{"results":[{"entities":[{"text":"...","type":"person","confidence":0.9}]}]}

Messages:
`

// PipelineConfig tunes a Pipeline. Zero fields take defaults; a nil
// Logger is silent.
type PipelineConfig struct {
	Timeout   time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Pipeline runs extraction batches against one Extractor. It persists
// nothing itself; callers commit results through the store.
type Pipeline struct {
	extractor Extractor
	timeout   time.Duration
	batchSize int
	log       *zap.Logger
}

// NewPipeline wires a pipeline to an extractor.
func NewPipeline(extractor Extractor, cfg PipelineConfig) *Pipeline {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		extractor: extractor,
		timeout:   timeout,
		batchSize: batchSize,
		log:       logger,
	}
}

// BatchSize returns the configured batch size.
func (p *Pipeline) BatchSize() int {
	return p.batchSize
}

// Run extracts entities from one batch of messages. The extractor call is
// bounded by the pipeline timeout; a timeout or malformed response fails
// the whole batch and nothing is returned for any message in it.
func (p *Pipeline) Run(ctx context.Context, msgs []BatchMessage) (*BatchResult, error) {
	result := &BatchResult{RunID: uuid.NewString(), Extractor: p.extractor.Name()}
	if len(msgs) == 0 {
		return result, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.extractor.Extract(runCtx, buildPrompt(msgs))
	if err != nil {
		return nil, fmt.Errorf("extractor %s: %w", p.extractor.Name(), err)
	}
	result.ProcessingMS = time.Since(start).Milliseconds()

	entries, err := parseBatch(raw, len(msgs))
	if err != nil {
		return nil, err
	}

	result.PerMessage = make([]store.MessageEntities, 0, len(msgs))
	for i, entry := range entries {
		kept := make([]store.ExtractedEntity, 0, len(entry.Entities))
		for _, ent := range entry.Entities {
			text := strings.TrimSpace(ent.Text)
			if text == "" {
				continue
			}
			typ := strings.ToLower(strings.TrimSpace(ent.Type))
			if !IsAllowedType(typ) {
				p.log.Debug("dropping entity with unknown type", zap.String("type", ent.Type), zap.String("text", text))
				continue
			}
			kept = append(kept, store.ExtractedEntity{Text: text, Type: typ, Confidence: clamp01(ent.Confidence)})
		}
		result.PerMessage = append(result.PerMessage, store.MessageEntities{MessageID: msgs[i].ID, Entities: kept})
	}
	return result, nil
}

type batchEntry struct {
	Entities []store.ExtractedEntity `json:"entities"`
}

// parseBatch decodes the extractor response. The shape is strict: a JSON
// object {"results":[...]} (or a bare array) with exactly one element per
// input message. Anything else fails the batch.
func parseBatch(raw string, want int) ([]batchEntry, error) {
	cleaned := stripFence(raw)

	var entries []batchEntry
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
			return nil, fmt.Errorf("parse extraction response: %w", err)
		}
	} else {
		var wrapper struct {
			Results []batchEntry `json:"results"`
		}
		if err := json.Unmarshal([]byte(cleaned), &wrapper); err != nil {
			return nil, fmt.Errorf("parse extraction response: %w", err)
		}
		entries = wrapper.Results
	}

	if len(entries) != want {
		return nil, fmt.Errorf("parse extraction response: got %d results for %d messages", len(entries), want)
	}
	return entries, nil
}

func buildPrompt(msgs []BatchMessage) string {
	var sb strings.Builder
	sb.WriteString(extractionPromptHeader)
	for i, m := range msgs {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, strings.ReplaceAll(m.Content, "\n", " ")))
	}
	return strings.TrimSpace(sb.String())
}

// stripFence removes a surrounding markdown code fence, which some models
// emit despite instructions. The content inside still parses strictly.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
