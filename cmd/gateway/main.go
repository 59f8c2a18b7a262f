package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/arunrao/rampart/pkg/config"
	"github.com/arunrao/rampart/pkg/exfil"
	"github.com/arunrao/rampart/pkg/ml"
	"github.com/arunrao/rampart/pkg/patterns"
	"github.com/arunrao/rampart/pkg/persist"
	"github.com/arunrao/rampart/pkg/pii"
	"github.com/arunrao/rampart/pkg/policy"
	"github.com/arunrao/rampart/pkg/proxy"
)

const Version = "0.1.0"

// gateway holds the assembled stack shared by the serve and scan commands.
// Optional layers (ML, semantics, NER, redis, postgres) degrade to log
// lines; malformed policy or pattern configuration is fatal at startup.
type gateway struct {
	cfg        *config.Config
	registry   *patterns.Registry
	orch       *proxy.Orchestrator
	writer     *persist.Writer
	policies   policy.Store
	classifier *ml.Classifier
	semantic   *ml.SemanticDetector
	closers    []func()
}

// newGateway wires the full stack. serveMode additionally brings up the
// upstream provider and the audit writer, which the CLI scan path does not
// need.
func newGateway(ctx context.Context, cfg *config.Config, serveMode bool) *gateway {
	g := &gateway{cfg: cfg, registry: patterns.Get()}

	if cfg.PatternsPath != "" {
		version, families, err := patterns.LoadFile(cfg.PatternsPath)
		if err != nil {
			log.Fatalf("[STARTUP] pattern table: %v", err)
		}
		if err := g.registry.Swap(version, families); err != nil {
			log.Fatalf("[STARTUP] pattern table: %v", err)
		}
		log.Printf("✓ Custom pattern table %s (%s, %d rules)", version, cfg.PatternsPath, g.registry.TotalRules())
	} else {
		log.Printf("✓ Built-in pattern table %s (%d rules)", g.registry.Version(), g.registry.TotalRules())
	}

	routerOpts := []ml.RouterOption{ml.WithFastMode(cfg.FastMode)}
	var classifier ml.TextClassifier
	if cfg.FastMode {
		log.Println("○ ML detection skipped (fast mode)")
	} else {
		g.classifier = buildClassifier(cfg)
		switch {
		case g.classifier != nil && g.classifier.IsReady():
			classifier = g.classifier
			log.Println("✓ ML detection enabled (hugot/ONNX)")
		case g.classifier != nil:
			classifier = g.classifier
			log.Println("○ ML detection degraded (classifier not ready)")
		default:
			log.Println("○ ML detection disabled (no ONNX model found)")
		}
	}

	if cfg.EnableSemantics {
		embedder := ml.NewOllamaEmbedder(cfg.EmbedderURL, cfg.EmbedderModel)
		sd, err := ml.NewSemanticDetector(embedder)
		if err != nil {
			log.Printf("○ Semantic detection disabled (init failed: %v)", err)
		} else {
			seedCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			if err := sd.SeedPatterns(seedCtx); err != nil {
				log.Printf("○ Semantic detection disabled (seeding failed: %v)", err)
			} else {
				g.semantic = sd
				routerOpts = append(routerOpts, ml.WithSemanticDetector(sd))
				log.Println("✓ Semantic detection enabled (chromem-go embeddings)")
			}
			cancel()
		}
	}

	router := ml.NewRouter(g.registry, classifier, routerOpts...)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		g.closers = append(g.closers, func() { _ = redisClient.Close() })
	}

	piiOpts := []pii.Option{}
	if redisClient != nil {
		piiOpts = append(piiOpts, pii.WithVault(pii.NewRedisVault(redisClient, cfg.VaultTTL)))
		log.Println("✓ PII vault on redis")
	} else {
		piiOpts = append(piiOpts, pii.WithVault(pii.NewMemoryVault(cfg.VaultTTL)))
	}
	if g.classifier != nil && g.classifier.NERReady() {
		piiOpts = append(piiOpts, pii.WithExtractor(g.classifier))
		log.Println("✓ PII NER extraction enabled")
	}
	engine := pii.NewEngine(g.registry, piiOpts...)

	switch {
	case cfg.PolicyPath != "":
		store, err := policy.NewFileStore(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("[STARTUP] policy: %v", err)
		}
		g.policies = store
	case redisClient != nil:
		g.policies = policy.NewRedisStore(redisClient, cfg.PolicyRedisKey, 0)
	default:
		g.policies = policy.NewStaticStore(policy.DefaultPolicy(cfg.BlockThreshold))
	}
	pol, err := g.policies.Snapshot(ctx)
	if err != nil {
		log.Fatalf("[STARTUP] policy load: %v", err)
	}
	log.Printf("✓ Policy %s active (%d rules)", pol.Version(), len(pol.Rules()))

	var provider proxy.Provider
	if serveMode {
		var sink persist.Sink
		if cfg.PostgresDSN != "" {
			pg, err := persist.NewPGSink(ctx, cfg.PostgresDSN)
			if err != nil {
				log.Fatalf("[STARTUP] audit sink: %v", err)
			}
			if err := pg.EnsureSchema(ctx); err != nil {
				log.Fatalf("[STARTUP] audit schema: %v", err)
			}
			sink = pg
			g.closers = append(g.closers, pg.Close)
			log.Println("✓ Audit trail on postgres")
		} else {
			sink = persist.LogSink{}
			log.Println("○ Audit trail on log output (no postgres DSN)")
		}
		g.writer = persist.NewWriter(sink, cfg.PersistMaxInFlight, 0)

		provider = proxy.NewOpenAIProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
		log.Printf("✓ Provider %s (default model %s)", cfg.ProviderBaseURL, cfg.ProviderModel)
	}

	g.orch = proxy.NewOrchestrator(proxy.Deps{
		Config:   cfg,
		Router:   router,
		PII:      engine,
		Exfil:    exfil.NewScanner(g.registry, cfg.TrustedDomains),
		Policies: g.policies,
		Provider: provider,
		Writer:   g.writer,
	})
	return g
}

// buildClassifier resolves the ONNX model configuration. Explicit paths from
// the environment win; otherwise the standard model locations are probed.
// Returns nil when no model is available at all.
func buildClassifier(cfg *config.Config) *ml.Classifier {
	var ccfg *ml.ClassifierConfig
	if cfg.ModelPath != "" {
		c := ml.DefaultClassifierConfig()
		c.ModelPath = cfg.ModelPath
		c.ModelName = ""
		c.NERModelPath = cfg.NERModelPath
		ccfg = &c
	} else {
		ccfg = ml.AutoDetectConfig()
	}
	if ccfg == nil {
		return nil
	}
	if cfg.OnnxLibPath != "" {
		ccfg.OnnxLibraryPath = cfg.OnnxLibPath
	}
	ccfg.Timeout = time.Duration(cfg.MLTimeoutMs) * time.Millisecond
	ccfg.MaxConcurrent = cfg.MLMaxConcurrent
	ccfg.CacheTTL = cfg.VerdictCacheTTL
	return ml.NewClassifierWithFallback(*ccfg)
}

// Close drains the audit writer and releases held connections.
func (g *gateway) Close() {
	g.writer.Flush()
	for _, fn := range g.closers {
		fn()
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		port := ""
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "scan":
		if len(os.Args) < 3 {
			fmt.Println("Usage: rampart scan <text>")
			os.Exit(1)
		}
		runCLIScan(strings.Join(os.Args[2:], " "))
	case "check-policy":
		if len(os.Args) < 3 {
			fmt.Println("Usage: rampart check-policy <file>")
			os.Exit(1)
		}
		runCheckPolicy(os.Args[2])
	case "version":
		fmt.Printf("Rampart v%s\n", Version)
		fmt.Println("LLM Security Gateway")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("Rampart v%s - LLM Security Gateway\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  rampart serve [port]          Start the HTTP gateway (default: 8090)")
	fmt.Println("  rampart scan <text>           Scan text for prompt injection and PII")
	fmt.Println("  rampart check-policy <file>   Validate a YAML policy document")
	fmt.Println("  rampart version               Show version")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  rampart serve 8090")
	fmt.Println("  rampart scan \"Ignore previous instructions\"")
	fmt.Println("  rampart check-policy configs/policy.yaml")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  RAMPART_PORT              HTTP listen port (default: 8090)")
	fmt.Println("  RAMPART_BLOCK_THRESHOLD   Risk at or above this blocks (default: 0.5)")
	fmt.Println("  RAMPART_FAST_MODE         Patterns only, skip the ML path")
	fmt.Println("  RAMPART_MODEL_PATH        ONNX injection model directory")
	fmt.Println("  RAMPART_POLICY_FILE       YAML policy document")
	fmt.Println("  RAMPART_REDIS_ADDR        Redis for the policy store and PII vault")
	fmt.Println("  RAMPART_POSTGRES_DSN      Postgres DSN for the audit trail")
	fmt.Println("  RAMPART_PROVIDER_API_KEY  Upstream provider key (or OPENAI_API_KEY)")
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

func runHTTPServer(port string) {
	cfg := config.NewDefaultConfig()
	if port != "" {
		cfg.Port = port
	}
	cfg.MustValidate()

	g := newGateway(context.Background(), cfg, true)

	app := fiber.New(fiber.Config{
		AppName: "Rampart Gateway",
	})

	app.Get("/health", g.handleHealth)
	app.Post("/v1/analyze", g.handleAnalyze)
	app.Post("/v1/filter", g.handleFilter)
	app.Post("/v1/proxy", g.handleProxy)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("[SHUTDOWN] draining audit writer")
		g.Close()
		_ = app.Shutdown()
	}()

	log.Printf("Rampart gateway starting on :%s", cfg.Port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health       - Component status")
	log.Printf("  POST /v1/analyze   - Single-phase detection + policy decision")
	log.Printf("  POST /v1/filter    - Detector groups with optional redaction")
	log.Printf("  POST /v1/proxy     - Guarded completion round trip")

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}

func (g *gateway) handleHealth(c fiber.Ctx) error {
	policyVersion := "unavailable"
	if pol, err := g.policies.Snapshot(c.Context()); err == nil {
		policyVersion = pol.Version()
	}
	return c.JSON(fiber.Map{
		"status":         "ok",
		"version":        Version,
		"patterns":       g.registry.Version(),
		"policy":         policyVersion,
		"ml":             g.classifier.Stats(),
		"semantic_ready": g.semantic.IsReady(),
		"fast_mode":      g.cfg.FastMode,
		"audit_dropped":  g.writer.Dropped(),
	})
}

func (g *gateway) handleAnalyze(c fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
		Phase   string `json:"phase"` // "input" (default) or "output"
	}
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Content == "" {
		return c.Status(400).JSON(fiber.Map{"error": "content field is required"})
	}

	phase := policy.PhaseInput
	switch req.Phase {
	case "", string(policy.PhaseInput):
	case string(policy.PhaseOutput):
		phase = policy.PhaseOutput
	default:
		return c.Status(400).JSON(fiber.Map{"error": "phase must be input or output"})
	}

	d, err := g.orch.Analyze(c.Context(), req.Content, phase)
	if err != nil {
		return c.Status(503).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(d)
}

func (g *gateway) handleFilter(c fiber.Ctx) error {
	var req struct {
		Content string   `json:"content"`
		Filters []string `json:"filters"`
		Redact  bool     `json:"redact"`
	}
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if req.Content == "" {
		return c.Status(400).JSON(fiber.Map{"error": "content field is required"})
	}

	res, err := g.orch.Filter(c.Context(), req.Content, req.Filters, req.Redact)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(res)
}

func (g *gateway) handleProxy(c fiber.Ctx) error {
	var req proxy.ProxyRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
	}
	if len(req.Messages) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "messages field is required"})
	}

	res, err := g.orch.ProxyCall(c.Context(), req)
	if err != nil {
		var perr *proxy.ProviderError
		var cfgErr *policy.ConfigError
		switch {
		case errors.As(err, &perr):
			body := fiber.Map{"error": perr.Error(), "retryable": perr.Retryable}
			if res != nil {
				body["trace_id"] = res.TraceID
				body["state"] = res.State
			}
			return c.Status(502).JSON(body)
		case errors.As(err, &cfgErr):
			return c.Status(503).JSON(fiber.Map{"error": err.Error()})
		default:
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
	}
	return c.JSON(res)
}

// ============================================================================
// CLI Mode
// ============================================================================

func runCLIScan(text string) {
	cfg := config.NewDefaultConfig()
	cfg.MustValidate()
	g := newGateway(context.Background(), cfg, false)

	d, err := g.orch.Analyze(context.Background(), text, policy.PhaseInput)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	out, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(out))
	if d.Blocked() {
		os.Exit(1)
	}
}

func runCheckPolicy(path string) {
	store, err := policy.NewFileStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	pol, err := store.Snapshot(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("ok: policy %s, %d rules\n", pol.Version(), len(pol.Rules()))
}
