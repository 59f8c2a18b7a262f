package ml

// classifier.go - local ONNX inference for the gateway's ML path.
//
// One adapter owns two hugot pipelines: text classification for prompt
// injection and token classification for PII entity extraction. Both run
// fully local with no external API calls.
//
// The adapter enforces the detection-path contract:
// - hard per-call timeout: inference past the deadline is discarded and the
//   call reports a DegradedError, never an abort;
// - bounded concurrency via a semaphore shared by both pipelines;
// - graceful init: NewClassifierWithFallback returns a non-ready adapter
//   instead of failing startup when no model is available.
//
// Build:
// - Standard: go build (pure Go backend, slower but no native dependencies)
// - With ORT: install onnxruntime and set RAMPART_ONNX_LIB

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/options"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/arunrao/rampart/pkg/httputil"
)

// Model presets for the injection classifier. Pick by license and size.
const (
	// ModelSentinel is the Qualifire Sentinel model (ModernBERT-large, 400M
	// params). Highest accuracy but Elastic v2 license.
	ModelSentinel = "qualifire/prompt-injection-sentinel"

	// ModelDeBERTaBase is the ProtectAI DeBERTa-v3-base model (200M params,
	// Apache 2.0). Good balance of speed and accuracy.
	ModelDeBERTaBase = "protectai/deberta-v3-base-prompt-injection-v2"

	// ModelDeBERTaSmall is the ProtectAI DeBERTa-v3-small model (100M params,
	// Apache 2.0). Fastest option for high-volume deployments.
	ModelDeBERTaSmall = "protectai/deberta-v3-small-prompt-injection-v2"

	// ModelModernBERTBase is the tihilya ModernBERT-base model (149M params,
	// Apache 2.0). Recommended default for bundling.
	ModelModernBERTBase = "tihilya/modernbert-base-prompt-injection-detection"

	// ModelDistilBERTNER is the token-classification model used for PII
	// entity extraction (person/organization/location).
	ModelDistilBERTNER = "KnightsAnalytics/distilbert-NER"
)

// ClassifierConfig configures the ONNX adapter.
type ClassifierConfig struct {
	// ModelPath is the local ONNX model directory for injection
	// classification. If empty and ModelName is set, the model is downloaded.
	ModelPath string

	// ModelName is the HuggingFace model name, used for download when
	// ModelPath is absent.
	ModelName string

	// NERModelPath is the local ONNX model directory for PII entity
	// extraction. Empty disables the NER pipeline (pattern entities only).
	NERModelPath string

	// OnnxLibraryPath locates libonnxruntime; empty selects the pure Go
	// backend.
	OnnxLibraryPath string

	// UseGPU enables CUDA when the ORT backend is active.
	UseGPU   bool
	DeviceID int

	// Timeout is the hard per-inference deadline. Inference that overruns is
	// discarded and the call degrades.
	Timeout time.Duration

	// MaxConcurrent bounds in-flight inferences across both pipelines.
	MaxConcurrent int

	// CacheTTL controls the verdict cache; zero uses the 5m default,
	// negative disables caching.
	CacheTTL time.Duration

	// Throughput tuning, applied to the ORT backend only.
	OptimizeForThroughput bool
	InterOpNumThreads     int
	IntraOpNumThreads     int
}

// DefaultClassifierConfig returns the bundling-friendly default setup.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		ModelName:       ModelModernBERTBase,
		ModelPath:       "./models/modernbert-base",
		OnnxLibraryPath: defaultOnnxPath(),
		Timeout:         100 * time.Millisecond,
		MaxConcurrent:   8,
	}
}

// HighThroughputConfig constrains each inference to a single core, which
// raises total throughput under many goroutines at slightly higher per-call
// latency.
func HighThroughputConfig() ClassifierConfig {
	cfg := DefaultClassifierConfig()
	cfg.OptimizeForThroughput = true
	cfg.InterOpNumThreads = 1
	cfg.IntraOpNumThreads = 1
	return cfg
}

// modelSearchPaths lists the local directories checked by AutoDetectConfig,
// permissively-licensed models first.
var modelSearchPaths = []struct {
	path    string
	model   string
	license string
}{
	{"./models/modernbert-base", ModelModernBERTBase, "Apache-2.0"},
	{"./models/deberta-base", ModelDeBERTaBase, "Apache-2.0"},
	{"./models/deberta-small", ModelDeBERTaSmall, "Apache-2.0"},
	{"./models/sentinel", ModelSentinel, "Elastic-2.0"},
}

// AutoDetectConfig locates an injection model on disk and returns a ready
// config, or nil when none is available. Search order: RAMPART_MODEL_PATH,
// HUGOT_MODEL_PATH, then the standard ./models locations. A NER model at
// RAMPART_NER_MODEL_PATH or ./models/ner is picked up alongside.
func AutoDetectConfig() *ClassifierConfig {
	cfg := DefaultClassifierConfig()
	cfg.ModelPath = ""
	cfg.ModelName = ""

	for _, envKey := range []string{"RAMPART_MODEL_PATH", "HUGOT_MODEL_PATH"} {
		if envPath := os.Getenv(envKey); envPath != "" {
			if hasONNXModel(envPath) {
				log.Printf("[ML] Using model from %s: %s", envKey, envPath)
				cfg.ModelPath = envPath
			} else {
				log.Printf("[ML] %s=%s has no model.onnx, ignoring", envKey, envPath)
			}
			break
		}
	}

	if cfg.ModelPath == "" {
		for _, m := range modelSearchPaths {
			if hasONNXModel(m.path) {
				log.Printf("[ML] Auto-detected model: %s (%s)", m.model, m.license)
				cfg.ModelPath = m.path
				cfg.ModelName = m.model
				break
			}
		}
	}

	if cfg.ModelPath == "" {
		log.Printf("[ML] No injection model found; classifier will run degraded")
		log.Printf("[ML] Set RAMPART_MODEL_PATH or place an ONNX model under ./models")
		return nil
	}

	if nerPath := os.Getenv("RAMPART_NER_MODEL_PATH"); nerPath != "" && hasONNXModel(nerPath) {
		cfg.NERModelPath = nerPath
	} else if hasONNXModel("./models/ner") {
		cfg.NERModelPath = "./models/ner"
	}

	return &cfg
}

func hasONNXModel(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "model.onnx"))
	return err == nil
}

// defaultOnnxPath returns the onnxruntime library directory for this host,
// or empty when none is installed.
func defaultOnnxPath() string {
	paths := []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return filepath.Dir(p)
		}
	}
	return ""
}

// Verdict is one injection-classification result.
type Verdict struct {
	// Label is the raw model label ("benign"/"jailbreak", "SAFE"/"INJECTION",
	// "LABEL_0"/"LABEL_1" depending on the model).
	Label string `json:"label"`

	// Confidence is the model score for Label, 0.0-1.0.
	Confidence float64 `json:"confidence"`

	// IsThreat is true when Label marks an injection.
	IsThreat bool `json:"is_threat"`

	// Cached marks a verdict served from the digest cache.
	Cached bool `json:"cached,omitempty"`

	// LatencyMs is the inference time, 0 for cache hits.
	LatencyMs float64 `json:"latency_ms"`
}

// Entity is one extracted PII entity from the NER pipeline.
type Entity struct {
	// Label is the normalized entity type: person, organization, address.
	Label string `json:"label"`

	// Word is the matched text, Start/End its byte offsets in the input.
	Word  string  `json:"word"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// Classifier is the ML adapter. Safe for concurrent use; all inference is
// funneled through one bounded semaphore.
type Classifier struct {
	session      *hugot.Session
	textPipeline *pipelines.TextClassificationPipeline
	nerPipeline  *pipelines.TokenClassificationPipeline

	cache   *verdictCache
	sem     *httputil.Semaphore
	timeout time.Duration
	config  ClassifierConfig

	mu       sync.RWMutex
	ready    bool
	nerReady bool

	// Inference seams, replaced in tests to exercise the timeout and
	// degradation paths without a model.
	classifyFn func(texts []string) ([]Verdict, error)
	extractFn  func(text string) ([]Entity, error)
}

// NewClassifier builds the adapter and initializes its pipelines. Errors
// mean no usable injection model; use NewClassifierWithFallback at startup.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}

	c := &Classifier{
		config:  cfg,
		sem:     httputil.NewSemaphore(cfg.MaxConcurrent),
		timeout: cfg.Timeout,
	}
	if cfg.CacheTTL >= 0 {
		c.cache = newVerdictCache(cfg.CacheTTL)
	}

	if err := c.initialize(); err != nil {
		return nil, fmt.Errorf("classifier initialization failed: %w", err)
	}
	return c, nil
}

// NewClassifierWithFallback never fails: on initialization error it returns
// a non-ready adapter whose calls degrade, keeping startup alive.
func NewClassifierWithFallback(cfg ClassifierConfig) *Classifier {
	c, err := NewClassifier(cfg)
	if err != nil {
		log.Printf("[WARN] ML classifier unavailable, running degraded: %v", err)
		fallback := &Classifier{
			config:  cfg,
			sem:     httputil.NewSemaphore(cfg.MaxConcurrent),
			timeout: cfg.Timeout,
		}
		if fallback.timeout <= 0 {
			fallback.timeout = 100 * time.Millisecond
		}
		return fallback
	}
	return c
}

func (c *Classifier) initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.createSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	c.session = session

	modelPath, err := c.resolveModelPath()
	if err != nil {
		_ = c.session.Destroy()
		return fmt.Errorf("failed to resolve model path: %w", err)
	}

	textPipeline, err := hugot.NewPipeline(session, hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "injection-classifier",
	})
	if err != nil {
		_ = c.session.Destroy()
		return fmt.Errorf("failed to create classification pipeline: %w", err)
	}
	c.textPipeline = textPipeline
	c.classifyFn = c.runClassification
	c.ready = true
	log.Printf("[ML] Injection classifier ready (model: %s)", modelPath)

	// The NER pipeline is optional: absence only means pattern-based PII
	// entities, not a degraded classifier.
	if c.config.NERModelPath != "" {
		nerPipeline, err := hugot.NewPipeline(session, hugot.TokenClassificationConfig{
			ModelPath: c.config.NERModelPath,
			Name:      "pii-entity-extractor",
		})
		if err != nil {
			log.Printf("[WARN] NER pipeline unavailable: %v", err)
		} else {
			c.nerPipeline = nerPipeline
			c.extractFn = c.runNER
			c.nerReady = true
			log.Printf("[ML] PII entity extractor ready (model: %s)", c.config.NERModelPath)
		}
	}

	return nil
}

// createSession prefers the ONNX Runtime backend and falls back to pure Go.
func (c *Classifier) createSession() (*hugot.Session, error) {
	if c.config.OnnxLibraryPath != "" {
		opts := []options.WithOption{
			options.WithOnnxLibraryPath(c.config.OnnxLibraryPath),
		}

		if c.config.UseGPU {
			opts = append(opts, options.WithCuda(map[string]string{
				"device_id": fmt.Sprintf("%d", c.config.DeviceID),
			}))
		}

		if c.config.OptimizeForThroughput {
			interOp := c.config.InterOpNumThreads
			if interOp == 0 {
				interOp = 1
			}
			intraOp := c.config.IntraOpNumThreads
			if intraOp == 0 {
				intraOp = 1
			}
			opts = append(opts,
				options.WithInterOpNumThreads(interOp),
				options.WithIntraOpNumThreads(intraOp),
				options.WithCPUMemArena(false),
				options.WithMemPattern(false),
			)
			log.Printf("[ML] Throughput tuning on (interOp=%d, intraOp=%d)", interOp, intraOp)
		}

		session, err := hugot.NewORTSession(opts...)
		if err == nil {
			log.Printf("[ML] Using ONNX Runtime backend (GPU: %v)", c.config.UseGPU)
			return session, nil
		}
		log.Printf("[ML] ONNX Runtime unavailable, falling back to Go backend: %v", err)
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Go session: %w", err)
	}
	log.Printf("[ML] Using pure Go backend (install onnxruntime for faster inference)")
	return session, nil
}

// resolveModelPath finds the model on disk or downloads it when a name is
// configured and RAMPART_AUTO_DOWNLOAD_MODEL is set.
func (c *Classifier) resolveModelPath() (string, error) {
	if c.config.ModelPath != "" {
		if _, err := os.Stat(c.config.ModelPath); err == nil {
			return c.config.ModelPath, nil
		}
	}

	if c.config.ModelName == "" {
		return "", errors.New("no model path or name configured")
	}

	auto := os.Getenv("RAMPART_AUTO_DOWNLOAD_MODEL")
	if auto != "true" && auto != "1" {
		return "", fmt.Errorf("model %s not present locally and auto-download disabled", c.config.ModelName)
	}

	modelsDir := "./models"
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create models directory: %w", err)
	}

	log.Printf("[ML] Downloading model %s...", c.config.ModelName)
	modelPath, err := hugot.DownloadModel(c.config.ModelName, modelsDir, hugot.NewDownloadOptions())
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	log.Printf("[ML] Model downloaded to %s", modelPath)
	return modelPath, nil
}

// IsReady reports whether the injection classifier can serve inferences.
func (c *Classifier) IsReady() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// NERReady reports whether the PII entity pipeline is loaded.
func (c *Classifier) NERReady() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nerReady
}

// isThreatLabel maps model-specific label conventions onto one bit:
// - Sentinel: "jailbreak" vs "benign"
// - tihilya/modernbert: "INJECTION" vs "LEGITIMATE"
// - ProtectAI/DeBERTa: "INJECTION" vs "SAFE"
// - Generic: "LABEL_1" vs "LABEL_0"
func isThreatLabel(label string) bool {
	switch label {
	case "jailbreak", "INJECTION", "malicious", "LABEL_1":
		return true
	default:
		return false
	}
}

type classifyOutcome struct {
	verdict Verdict
	err     error
}

// ClassifyText classifies one text for prompt injection. Failures of any
// kind (not ready, queue saturated, hard timeout, inference error) surface
// as *DegradedError so callers can fall back to pattern-only detection.
//
// On timeout the in-flight inference is not cancelled: it runs to
// completion in its goroutine, is discarded, and only then releases its
// concurrency slot.
func (c *Classifier) ClassifyText(ctx context.Context, text string) (Verdict, error) {
	if text == "" {
		return Verdict{Label: "benign", Confidence: 0}, nil
	}

	c.mu.RLock()
	ready := c.ready
	fn := c.classifyFn
	c.mu.RUnlock()

	if !ready || fn == nil {
		return Verdict{}, &DegradedError{Reason: "classifier not ready"}
	}

	if v, ok := c.cache.get(text); ok {
		v.Cached = true
		v.LatencyMs = 0
		return v, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Queue time counts against the inference budget.
	if err := c.sem.Acquire(ctx); err != nil {
		return Verdict{}, &DegradedError{Reason: "inference queue saturated", Err: err}
	}

	start := time.Now()
	ch := make(chan classifyOutcome, 1)
	go func() {
		defer c.sem.Release()
		verdicts, err := fn([]string{text})
		if err != nil {
			ch <- classifyOutcome{err: err}
			return
		}
		if len(verdicts) == 0 {
			ch <- classifyOutcome{err: errors.New("empty inference result")}
			return
		}
		ch <- classifyOutcome{verdict: verdicts[0]}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return Verdict{}, &DegradedError{Reason: "inference failed", Err: out.err}
		}
		v := out.verdict
		v.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		c.cache.put(text, v)
		return v, nil
	case <-ctx.Done():
		return Verdict{}, &DegradedError{Reason: "inference timeout", Err: ctx.Err()}
	}
}

// runClassification is the real inference path behind classifyFn.
func (c *Classifier) runClassification(texts []string) ([]Verdict, error) {
	result, err := c.textPipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	verdicts := make([]Verdict, len(texts))
	for i := range texts {
		if i < len(result.ClassificationOutputs) && len(result.ClassificationOutputs[i]) > 0 {
			out := result.ClassificationOutputs[i][0]
			verdicts[i] = Verdict{
				Label:      out.Label,
				Confidence: float64(out.Score),
				IsThreat:   isThreatLabel(out.Label),
			}
		} else {
			verdicts[i] = Verdict{Label: "unknown"}
		}
	}
	return verdicts, nil
}

type extractOutcome struct {
	entities []Entity
	err      error
}

// ExtractEntities runs the NER pipeline under the same timeout and
// concurrency contract as ClassifyText. A missing NER model is a
// *DegradedError; PII detection continues with pattern entities only.
func (c *Classifier) ExtractEntities(ctx context.Context, text string) ([]Entity, error) {
	if text == "" {
		return nil, nil
	}

	c.mu.RLock()
	ready := c.nerReady
	fn := c.extractFn
	c.mu.RUnlock()

	if !ready || fn == nil {
		return nil, &DegradedError{Reason: "ner pipeline not ready"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx); err != nil {
		return nil, &DegradedError{Reason: "inference queue saturated", Err: err}
	}

	ch := make(chan extractOutcome, 1)
	go func() {
		defer c.sem.Release()
		entities, err := fn(text)
		ch <- extractOutcome{entities: entities, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, &DegradedError{Reason: "entity extraction failed", Err: out.err}
		}
		return out.entities, nil
	case <-ctx.Done():
		return nil, &DegradedError{Reason: "inference timeout", Err: ctx.Err()}
	}
}

// runNER is the real extraction path behind extractFn.
func (c *Classifier) runNER(text string) ([]Entity, error) {
	out, err := c.nerPipeline.RunPipeline([]string{text})
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}
	if len(out.Entities) == 0 {
		return nil, nil
	}

	entities := make([]Entity, 0, len(out.Entities[0]))
	for _, e := range out.Entities[0] {
		label, ok := mapEntityLabel(e.Entity)
		if !ok {
			continue
		}
		start, end := int(e.Start), int(e.End)
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		entities = append(entities, Entity{
			Label: label,
			Word:  text[start:end],
			Start: start,
			End:   end,
			Score: float64(e.Score),
		})
	}
	return mergeAdjacentEntities(text, entities), nil
}

// mapEntityLabel normalizes model label schemes (B-PER/I-PER, PERSON, LOC)
// onto the gateway's entity types. Unmapped labels are dropped.
func mapEntityLabel(raw string) (string, bool) {
	label := strings.ToUpper(raw)
	label = strings.TrimPrefix(label, "B-")
	label = strings.TrimPrefix(label, "I-")
	switch label {
	case "PER", "PERSON":
		return "person", true
	case "ORG", "ORGANIZATION":
		return "organization", true
	case "LOC", "LOCATION", "GPE", "ADDR", "ADDRESS":
		return "address", true
	default:
		return "", false
	}
}

// mergeAdjacentEntities joins consecutive same-label fragments (subword
// tokens, multi-word names) into single entities spanning the full mention.
func mergeAdjacentEntities(text string, entities []Entity) []Entity {
	if len(entities) < 2 {
		return entities
	}

	merged := make([]Entity, 0, len(entities))
	cur := entities[0]
	for _, next := range entities[1:] {
		if next.Label == cur.Label && next.Start <= cur.End+1 {
			if next.End > cur.End {
				cur.End = next.End
			}
			if next.Score < cur.Score {
				cur.Score = next.Score
			}
			cur.Word = text[cur.Start:cur.End]
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)
	return merged
}

// Close releases the ONNX session.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false
	c.nerReady = false

	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
	}
	return nil
}

// Stats reports adapter health for the /health endpoint.
func (c *Classifier) Stats() map[string]any {
	if c == nil {
		return map[string]any{"ready": false}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := map[string]any{
		"ready":           c.ready,
		"ner_ready":       c.nerReady,
		"timeout_ms":      c.timeout.Milliseconds(),
		"cached_verdicts": c.cache.itemCount(),
		"inference":       c.sem.Stats(),
	}

	if c.session != nil {
		pipelineStats := make(map[string]any)
		for name, s := range c.session.GetStatistics() {
			pipelineStats[name] = map[string]any{
				"onnx_total_time":      s.OnnxTotalTime.String(),
				"onnx_execution_count": s.OnnxExecutionCount,
				"total_queries":        s.TotalQueries,
				"average_latency":      s.AverageLatency.String(),
			}
		}
		stats["pipelines"] = pipelineStats
	}

	return stats
}
