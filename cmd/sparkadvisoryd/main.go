// Command sparkadvisoryd runs the advisory engine either as a long-lived
// daemon (dashboard HTTP server + prefetch worker loop + config hot-reload)
// or as a short-lived "-hook" subprocess a host process execs once per
// lifecycle event, following the flag/env/.env/gin-router shape of the
// teacher's cmd/tarsy/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/budgierless/spark-advisory-engine/pkg/advisor"
	"github.com/budgierless/spark-advisory-engine/pkg/api"
	"github.com/budgierless/spark-advisory-engine/pkg/config"
	"github.com/budgierless/spark-advisory-engine/pkg/emit"
	"github.com/budgierless/spark-advisory-engine/pkg/engine"
	"github.com/budgierless/spark-advisory-engine/pkg/gate"
	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/memory"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
	"github.com/budgierless/spark-advisory-engine/pkg/prefetch"
	"github.com/budgierless/spark-advisory-engine/pkg/sessionstate"
	"github.com/budgierless/spark-advisory-engine/pkg/synth"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/anthropic"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/clicmd"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/gemini"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/grpcprovider"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/ollama"
	"github.com/budgierless/spark-advisory-engine/pkg/synth/provider/openai"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// deployment bundles every constructed subsystem a hook call or the daemon
// loop drives.
type deployment struct {
	sessions  *sessionstate.Store
	packets   *packetstore.FileStore
	engine    *engine.Engine
	prefetch  *prefetch.Worker
	cfgMgr    *config.Manager
	sparkHome string
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	sparkHome := flag.String("spark-home", getEnv("SPARK_HOME", "./.spark_home"), "root directory for advisory engine state")
	httpPort := flag.String("http-port", getEnv("HTTP_PORT", "8765"), "dashboard HTTP port")
	allowRemote := flag.Bool("allow-remote", getEnv("SPARK_ALLOW_REMOTE", "") == "true", "accept POST requests from non-loopback clients")
	hook := flag.String("hook", "", "run a single hook and exit: user_prompt, pre_tool, or post_tool")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("sparkadvisoryd: no .env loaded", "path", envPath, "error", err)
	}

	dep, err := buildDeployment(*sparkHome)
	if err != nil {
		log.Fatalf("sparkadvisoryd: %v", err)
	}

	if *hook != "" {
		if err := runHook(dep, *hook, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("sparkadvisoryd: hook %q: %v", *hook, err)
		}
		return
	}

	runDaemon(dep, *httpPort, *allowRemote)
}

// buildDeployment constructs every subsystem over sparkHome, wiring the
// config manager so tuneables.json immediately governs their live configs.
func buildDeployment(sparkHome string) (*deployment, error) {
	if err := os.MkdirAll(sparkHome, 0o755); err != nil {
		return nil, fmt.Errorf("creating spark home %s: %w", sparkHome, err)
	}

	sessions, err := sessionstate.NewStore(filepath.Join(sparkHome, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("sessionstate: %w", err)
	}

	packets, err := packetstore.NewFileStore(filepath.Join(sparkHome, "packets"), packetstore.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("packetstore: %w", err)
	}

	fusion := memory.New([]memory.Source{
		&memory.CognitiveSource{Path: filepath.Join(sparkHome, "cognitive_insights.json")},
		&memory.DistilledTruthsSource{Path: filepath.Join(sparkHome, "distilled_truths.json")},
		&memory.ChipsSource{Dir: filepath.Join(sparkHome, "chips"), LinesPerChip: 20},
		&memory.OutcomeLogSource{Path: filepath.Join(sparkHome, "outcomes.jsonl"), Window: 50},
		&memory.HandoffsSource{Path: filepath.Join(sparkHome, "handoffs.jsonl"), Lines: 20},
	})

	classifier := intent.New()
	adv := advisor.New(advisor.DefaultConfig())
	synthesizer := synth.New(synth.DefaultConfig(), buildProviders())
	emitter := emit.New(emit.DefaultConfig(), os.Stdout, filepath.Join(sparkHome, "advisory_emit.jsonl"))
	prefetchWorker := prefetch.New(prefetch.DefaultConfig(), packets, filepath.Join(sparkHome, "prefetch_state.json"))

	eng := engine.New(
		engine.DefaultConfig(),
		sessions,
		packets,
		packetstore.DefaultConfig(),
		fusion,
		classifier,
		adv,
		synthesizer,
		emitter,
		gate.DefaultConfig(),
		prefetchWorker,
		filepath.Join(sparkHome, "advisory_engine.jsonl"),
	)

	cfgMgr := config.NewManager(filepath.Join(sparkHome, "tuneables.json"))
	cfgMgr.RegisterAdvisor(adv)
	cfgMgr.RegisterEngine(eng)
	cfgMgr.RegisterPacketStore(packets)
	cfgMgr.RegisterPrefetchWorker(prefetchWorker)
	cfgMgr.RegisterSynthesizer(synthesizer)

	return &deployment{
		sessions:  sessions,
		packets:   packets,
		engine:    eng,
		prefetch:  prefetchWorker,
		cfgMgr:    cfgMgr,
		sparkHome: sparkHome,
	}, nil
}

// buildProviders wires every provider leg this deployment's environment has
// credentials for; an unset API key or binary simply leaves that leg out of
// the map, and the synthesizer's fallback chain skips missing names.
func buildProviders() map[string]provider.Provider {
	providers := map[string]provider.Provider{}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers["anthropic"] = anthropic.NewFromAPIKey(key, getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers["openai"] = openai.NewFromAPIKey(key, getEnv("OPENAI_MODEL", "gpt-4o-mini"))
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if p, err := gemini.New(context.Background(), key, getEnv("GEMINI_MODEL", "gemini-2.0-flash")); err != nil {
			slog.Warn("sparkadvisoryd: gemini provider unavailable", "error", err)
		} else {
			providers["gemini"] = p
		}
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		if p, err := ollama.New(model); err != nil {
			slog.Warn("sparkadvisoryd: ollama provider unavailable", "error", err)
		} else {
			providers["ollama"] = p
		}
	}
	if binary := os.Getenv("SPARK_CLAUDE_CLI"); binary != "" {
		providers["claude_cli"] = clicmd.New(binary)
	}
	if target := os.Getenv("SPARK_LLM_SIDECAR_TARGET"); target != "" {
		if p, err := grpcprovider.New(target, getEnv("SPARK_LLM_SIDECAR_METHOD", "/sidecar.LLM/Complete")); err != nil {
			slog.Warn("sparkadvisoryd: grpc sidecar provider unavailable", "error", err)
		} else {
			providers["sidecar"] = p
		}
	}

	return providers
}

// hookEnvelope is the JSON shape a host writes to stdin for "-hook" mode.
type hookEnvelope struct {
	SessionID  string `json:"session_id"`
	Tool       string `json:"tool"`
	Input      string `json:"input"`
	FilePath   string `json:"file_path,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	PromptText string `json:"prompt_text,omitempty"`
	Success    bool   `json:"success,omitempty"`
}

// runHook dispatches one hook call. The emitter wired into dep.engine has
// already written the single advisory line (or nothing) to its configured
// writer by the time OnPreTool returns, matching the "writing the advisory
// (or nothing) to stdout" host contract directly — runHook itself writes
// nothing extra, so a host never sees more than that one line.
func runHook(dep *deployment, hook string, in *os.File, _ *os.File) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading envelope: %w", err)
	}

	var env hookEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("parsing envelope: %w", err)
		}
	}

	ctx := context.Background()
	now := time.Now()

	switch hook {
	case "user_prompt":
		dep.engine.OnUserPrompt(ctx, env.SessionID, env.PromptText, now)
		return nil
	case "pre_tool":
		dep.engine.OnPreTool(ctx, env.SessionID, env.Tool, env.Input, env.TraceID, now)
		return nil
	case "post_tool":
		dep.engine.OnPostTool(ctx, env.SessionID, env.Tool, env.Input, env.FilePath, env.TraceID, env.Success, now)
		return nil
	default:
		return fmt.Errorf("unknown hook %q (want user_prompt, pre_tool, or post_tool)", hook)
	}
}

// runDaemon starts the dashboard HTTP server, the prefetch worker's ticker
// loop, and the config manager's hot-reload poll loop, blocking on the
// HTTP server the way the teacher's cmd/tarsy blocks on router.Run.
func runDaemon(dep *deployment, httpPort string, allowRemote bool) {
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx := context.Background()

	warnings, err := dep.cfgMgr.Start(ctx, 5*time.Second)
	if err != nil {
		log.Fatalf("sparkadvisoryd: starting config manager: %v", err)
	}
	for _, w := range warnings {
		slog.Warn("sparkadvisoryd: tuneables.json", "warning", w)
	}
	defer dep.cfgMgr.Stop()

	dep.prefetch.Start(ctx, 30*time.Second)
	defer dep.prefetch.Stop()

	router := gin.Default()
	server := api.NewServer(dep.sessions, dep.packets, dep.cfgMgr, dep.engine)
	server.Register(router, allowRemote)

	log.Printf("sparkadvisoryd: dashboard listening on :%s (spark_home=%s, allow_remote=%v)", httpPort, dep.sparkHome, allowRemote)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("sparkadvisoryd: HTTP server: %v", err)
	}
}
