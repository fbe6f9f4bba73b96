// Wanderplan is a conversational trip-planning agent.
//
// It serves an HTTP API where a traveler plans a trip with a model that
// edits a structured trip document through tools. Destructive tool calls
// wait for the traveler's confirmation. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	wanderplan serve              Start the API server
//	wanderplan init [dir]         Initialize a working directory with defaults
//	wanderplan ask <request>      Run one planning turn from the terminal
//	wanderplan search <query>     Run a web search with the configured provider
//	wanderplan version            Print version and build information
//	wanderplan -o json version    Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/wanderplan/internal/agent"
	"github.com/nugget/wanderplan/internal/api"
	"github.com/nugget/wanderplan/internal/buildinfo"
	"github.com/nugget/wanderplan/internal/config"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/export"
	"github.com/nugget/wanderplan/internal/fetch"
	"github.com/nugget/wanderplan/internal/flights"
	"github.com/nugget/wanderplan/internal/health"
	"github.com/nugget/wanderplan/internal/llm"
	"github.com/nugget/wanderplan/internal/metrics"
	"github.com/nugget/wanderplan/internal/mqtt"
	"github.com/nugget/wanderplan/internal/prompts"
	"github.com/nugget/wanderplan/internal/search"
	"github.com/nugget/wanderplan/internal/store"
	"github.com/nugget/wanderplan/internal/tools"
	"github.com/nugget/wanderplan/internal/usage"
	"github.com/nugget/wanderplan/internal/weather"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. args is os.Args[1:]. Arguments are parsed
// by hand so run can be called concurrently from tests without the flag
// package's globals.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wanderplan ask <request>")
		}
		return runAsk(ctx, stdin, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "search":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: wanderplan search <query>")
		}
		return runSearch(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wanderplan - Conversational Trip Planner")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wanderplan [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start the API server")
	fmt.Fprintln(w, "  init [dir]      Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <request>   Run one planning turn in the terminal")
	fmt.Fprintln(w, "  search <query>  Run a web search with the configured provider")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger builds the logger described by cfg. Level and format
// were checked by cfg.Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// createLLMClient builds a multi-provider client. Models without an
// explicit provider route to Ollama. The provider clients are returned
// too so each can be health-checked on its own.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, map[string]llm.Client) {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	providers := map[string]llm.Client{"ollama": ollama}
	if cfg.Anthropic.APIKey != "" {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.APIKey != "" {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		logger.Info("OpenAI provider configured", "base_url", cfg.OpenAI.BaseURL)
	}

	multi := llm.NewMultiClient(ollama)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, strings.ToLower(m.Provider))
	}

	provider := cfg.ProviderFor(cfg.Models.Default)
	if provider == "" {
		provider = "ollama"
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return multi, providers
}

// usedProviders returns the providers that serve at least one
// configured model. Ollama counts when any model falls back to it.
func usedProviders(cfg *config.Config, providers map[string]llm.Client) map[string]llm.Client {
	used := make(map[string]llm.Client)
	for _, m := range append([]config.ModelConfig{{Name: cfg.Models.Default}}, cfg.Models.Available...) {
		name := cfg.ProviderFor(m.Name)
		if name == "" {
			name = "ollama"
		}
		if c, ok := providers[name]; ok {
			used[name] = c
		}
	}
	return used
}

// createSearch returns a search manager with every configured provider,
// or nil when none is.
func createSearch(cfg *config.Config) *search.Manager {
	mgr := search.NewManager(cfg.Search.Default, cfg.Search.CacheTTL)
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if cfg.Search.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.Exa.Configured() {
		mgr.Register(search.NewExa(cfg.Search.Exa.APIKey))
	}
	if !mgr.Configured() {
		return nil
	}
	return mgr
}

// createTools registers the trip tools plus every capability tool whose
// backend is configured.
func createTools(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	reg := tools.NewRegistry(logger)
	reg.RegisterTripTools()

	if s := createSearch(cfg); s != nil {
		reg.RegisterWebSearch(s)
		logger.Info("web search enabled", "default", cfg.Search.Default, "providers", s.Providers())
	}
	reg.RegisterReadSite(fetch.New())

	if cfg.Flights.RapidAPIKey != "" {
		reg.RegisterFlightSearch(flights.New(flights.Config{
			APIKey:   cfg.Flights.RapidAPIKey,
			Host:     cfg.Flights.Host,
			Currency: cfg.Flights.Currency,
			CacheTTL: cfg.Flights.CacheTTL,
			Logger:   logger,
		}))
		logger.Info("flight search enabled", "host", cfg.Flights.Host)
	}
	if cfg.Weather.Enabled {
		reg.RegisterWeather(weather.New(cfg.Weather.GeocodeURL, cfg.Weather.ForecastURL, logger))
	}

	// Applied last so gated names can refer to any registered tool.
	reg.SetConfirmation(cfg.Agent.ConfirmTools)
	return reg
}

// systemPrompt resolves the prompt renderer: a replacement file, or the
// built-in planner prompt with optional operator notes.
func systemPrompt(cfg *config.Config) (func(time.Time) string, error) {
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		text := string(data)
		return func(time.Time) string { return text }, nil
	}

	var notes string
	if cfg.Agent.NotesFile != "" {
		data, err := os.ReadFile(cfg.Agent.NotesFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read planner notes: %w", err)
		default:
			notes = strings.TrimSpace(string(data))
		}
	}
	return func(now time.Time) string { return prompts.PlannerPrompt(now, notes) }, nil
}

func createOrchestrator(cfg *config.Config, client llm.Client, logger *slog.Logger) (*agent.Orchestrator, error) {
	prompt, err := systemPrompt(cfg)
	if err != nil {
		return nil, err
	}
	return agent.NewOrchestrator(client, createTools(cfg, logger), agent.Config{
		Model:               cfg.Models.Default,
		StepBudget:          cfg.Agent.StepBudget,
		ConfirmationTimeout: cfg.Agent.ConfirmationTimeout,
		SystemPrompt:        prompt,
	}, logger), nil
}

// runSearch runs one query against the configured search provider.
func runSearch(ctx context.Context, stdout io.Writer, configPath, query string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	s := createSearch(cfg)
	if s == nil {
		return errors.New("no search provider configured")
	}
	results, err := s.Search(ctx, query, search.Options{Count: 10})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	fmt.Fprintln(stdout, search.FormatResults(results))
	return nil
}

// runAsk plans in the terminal: one request, one turn, with confirmation
// prompts read from stdin. Nothing is persisted.
func runAsk(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath, outputFmt, request string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	client, _ := createLLMClient(cfg, logger)
	orch, err := createOrchestrator(cfg, client, logger)
	if err != nil {
		return err
	}
	mgr := agent.NewManager(nil, nil, logger)
	sess, err := mgr.Create(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Stream text as it arrives in text mode.
	var sink agent.Sink
	if outputFmt == "text" {
		sink = agent.SinkFunc(func(e agent.Event) error {
			if e.Type == agent.EventTextDelta {
				_, err := io.WriteString(stdout, e.Delta)
				return err
			}
			return nil
		})
	}

	res, err := orch.Run(ctx, sess, request, mgr.NewPublisher(sess, sink))
	in := bufio.NewScanner(stdin)
	for err == nil && res.State == agent.StateSuspendedOnConfirmation {
		for _, id := range res.PendingCallIDs {
			name := id
			if tc := res.Message.ToolCall(id); tc != nil {
				name = fmt.Sprintf("%s %s", tc.ToolName, tc.Input)
			}
			fmt.Fprintf(stdout, "\nAllow %s? [y/N] ", name)
			answer := ""
			if in.Scan() {
				answer = strings.ToLower(strings.TrimSpace(in.Text()))
			}
			if _, cerr := orch.Confirm(sess, id, answer == "y" || answer == "yes"); cerr != nil {
				return fmt.Errorf("confirm %s: %w", id, cerr)
			}
		}
		res, err = orch.Resume(ctx, sess, mgr.NewPublisher(sess, sink))
	}
	if res == nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return errors.Join(enc.Encode(map[string]any{
			"turn": res,
			"trip": sess.Document().Snapshot(),
		}), err)
	}

	fmt.Fprintln(stdout)
	if t := sess.Document().Snapshot(); len(t.FlightGroups)+len(t.Hotels)+len(t.Restaurants)+len(t.Activities)+len(t.Itinerary) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprint(stdout, export.Markdown(t, export.Options{Currency: cfg.Flights.Currency}))
	}
	if res.State != agent.StateIdle {
		fmt.Fprintf(stderr, "turn ended in state %s\n", res.State)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runServe starts the API server and blocks until SIGINT or SIGTERM.
//
// Shutdown order: the signal cancels ctx, MQTT publishes offline, then
// the HTTP server drains. Databases close through defers.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting wanderplan", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"step_budget", cfg.Agent.StepBudget,
		"confirm_tools", cfg.Agent.ConfirmTools,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "wanderplan.db")
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer st.Close()
	logger.Info("database opened", "path", dbPath)

	usagePath := filepath.Join(cfg.DataDir, "usage.db")
	usageStore, err := usage.NewStore(usagePath, cfg.Pricing)
	if err != nil {
		return fmt.Errorf("open usage database %s: %w", usagePath, err)
	}
	defer usageStore.Close()
	usageStore.SetProviderLookup(cfg.ProviderFor)

	// --- Event bus and its consumers ---
	bus := events.New()

	m := metrics.New()
	go m.Run(ctx, bus)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyTokens(nil), logger)
		go func() {
			if err := mqttPub.Start(ctx, bus); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix, "instance_id", instanceID)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Model providers ---
	// Each provider that serves a configured model is probed in the
	// background; /health reports the result.
	client, providers := createLLMClient(cfg, logger)
	monitor := health.NewMonitor(health.DefaultSchedule(), logger)
	for name, c := range usedProviders(cfg, providers) {
		monitor.Watch(ctx, name, c.Ping)
	}

	// --- Agent ---
	orch, err := createOrchestrator(cfg, client, logger)
	if err != nil {
		return err
	}
	orch.SetUsageRecorder(usageStore)
	orch.SetEventBus(bus)
	sessions := agent.NewManager(st, bus, logger)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sessions, orch, bus, logger)
	server.SetMetricsHandler(m.Handler())
	server.SetHealthReporter(monitor)
	server.SetUsageReporter(usageStore)
	server.SetShareBaseURL(cfg.Share.BaseURL)
	server.SetCurrency(cfg.Flights.Currency)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("wanderplan stopped")
	return nil
}
