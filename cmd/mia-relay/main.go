// ABOUTME: Entry point for the mia-relay conversation server
// ABOUTME: Bridges chat channels to the AI answering backend

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/novigo/mia-relay/internal/ai"
	"github.com/novigo/mia-relay/internal/auth"
	"github.com/novigo/mia-relay/internal/config"
	"github.com/novigo/mia-relay/internal/dedupe"
	"github.com/novigo/mia-relay/internal/handoff"
	"github.com/novigo/mia-relay/internal/helpdesk"
	"github.com/novigo/mia-relay/internal/hub"
	"github.com/novigo/mia-relay/internal/identity"
	"github.com/novigo/mia-relay/internal/relay"
	"github.com/novigo/mia-relay/internal/server"
	"github.com/novigo/mia-relay/internal/session"
	"github.com/novigo/mia-relay/internal/store"
	"github.com/novigo/mia-relay/internal/translate"
	"github.com/novigo/mia-relay/internal/wagateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                       _
 _ __ ___ (_) __ _       _ __ ___| | __ _ _   _
| '_ ' _ \| |/ _' |_____| '__/ _ \ |/ _' | | | |
| | | | | | | (_| |_____| | |  __/ | (_| | |_| |
|_| |_| |_|_|\__,_|     |_|  \___|_|\__,_|\__, |
                                          |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: MIA_CONFIG env var > XDG_CONFIG_HOME/mia-relay/relay.yaml > ~/.config/mia-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MIA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mia-relay", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mia-relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mia-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the relay server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  instance --name NAME   Register a bot instance and print its tokens")
		fmt.Println("  health                 Check relay health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "instance":
		err = runInstance(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("AI:        %s\n", cfg.AI.BaseURL)
	if cfg.WhatsApp.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("WhatsApp:  %s\n", cfg.WhatsApp.BaseURL)
	}
	if cfg.Helpdesk.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Helpdesk:  %s\n", cfg.Helpdesk.BaseURL)
	}
	fmt.Println()

	logger.Info("starting mia-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	resolver := identity.NewResolver(st, cfg.Resolver.TenantScoped, logger)
	gate := handoff.New(cfg.Helpdesk.AITeamName)
	window := dedupe.NewWindow(cfg.Dedupe.Capacity)
	h := hub.New(logger)

	answerer := ai.NewClient(cfg.AI.BaseURL, cfg.AI.ChatflowID, cfg.AI.APIKey, cfg.AI.Timeout)

	var translator relay.Translator
	if cfg.Translation.Enabled {
		translator = translate.NewClient(cfg.Translation.BaseURL, cfg.Translation.APIKey, cfg.Translation.Model, cfg.Translation.Timeout)
	}

	relaySvc := relay.New(st, resolver, gate, answerer, translator, h, relay.Config{
		ChannelDomain:   cfg.Chat.ChannelDomain,
		AttendantDomain: cfg.Chat.AttendantDomain,
		RecoveryGrace:   cfg.Chat.RecoveryGrace,
	}, logger)

	sessions := session.NewTable(logger)
	sessions.StartCleanup(ctx, cfg.Sessions.CleanupInterval, cfg.Sessions.IdleThreshold)

	var waProc *wagateway.Processor
	var waSender wagateway.PhoneSender
	var phones *session.PhoneTable
	if cfg.WhatsApp.Enabled {
		inst, err := st.GetInstanceByChatID(ctx, cfg.WhatsApp.InstanceChatID)
		if err != nil {
			return fmt.Errorf("resolving whatsapp instance %q: %w", cfg.WhatsApp.InstanceChatID, err)
		}
		phones = session.NewPhoneTable(logger)
		phones.StartCleanup(ctx, cfg.Sessions.CleanupInterval, cfg.Sessions.IdleThreshold)
		sender := wagateway.NewClient(cfg.WhatsApp.BaseURL, cfg.WhatsApp.Session, cfg.WhatsApp.APIKey, cfg.WhatsApp.CountryCode)
		waSender = sender
		waProc = wagateway.NewProcessor(st, resolver, answerer, sender, window, phones, inst.ID, logger)
	}

	var hdProc *helpdesk.Processor
	if cfg.Helpdesk.Enabled {
		inst, err := st.GetInstanceByChatID(ctx, cfg.Helpdesk.InstanceChatID)
		if err != nil {
			return fmt.Errorf("resolving helpdesk instance %q: %w", cfg.Helpdesk.InstanceChatID, err)
		}
		sender := helpdesk.NewClient(cfg.Helpdesk.BaseURL, cfg.Helpdesk.AccessToken, cfg.Helpdesk.AccountID)
		hdProc = helpdesk.NewProcessor(st, resolver, answerer, sender, window, sessions, gate, inst.ID, logger)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	srv := server.New(server.Options{
		Addr:     cfg.Server.HTTPAddr,
		Relay:    relaySvc,
		Hub:      h,
		WhatsApp: waProc,
		Helpdesk: hdProc,
		WASender: waSender,
		Sessions: sessions,
		Phones:   phones,
		Verifier: verifier,
		Logger:   logger,
	})
	return srv.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInstance registers a bot instance and prints its tokens. The client
// token goes into the widget embed; the system token authorizes platform
// pushes to /receive-message.
func runInstance(ctx context.Context) error {
	var name, chatID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--chat-id":
			if i+1 >= len(args) {
				return fmt.Errorf("--chat-id requires a value")
			}
			chatID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--chat-id="):
			chatID = strings.TrimPrefix(arg, "--chat-id=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	if chatID == "" {
		chatID = strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	inst := &store.Instance{
		ID:          uuid.New().String(),
		Name:        name,
		ChatID:      chatID,
		ClientToken: uuid.New().String(),
		SystemToken: uuid.New().String(),
		ChatEnabled: true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Println("  Instance created")
	fmt.Println()
	cyan.Printf("  ID:           ")
	fmt.Println(inst.ID)
	cyan.Printf("  Name:         ")
	fmt.Println(inst.Name)
	cyan.Printf("  Chat ID:      ")
	fmt.Println(inst.ChatID)
	cyan.Printf("  Client token: ")
	fmt.Println(inst.ClientToken)
	cyan.Printf("  System token: ")
	fmt.Println(inst.SystemToken)
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mia-relay configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "relay.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", ":8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Chat Configuration ---")
	channelDomain := prompt(reader, "Channel domain", "widget.example.com")
	attendantDomain := prompt(reader, "Attendant domain", "desk.msging.net")

	fmt.Println("\n--- AI Backend Configuration ---")
	aiBaseURL := prompt(reader, "AI backend base URL", "http://localhost:3000")
	chatflowID := prompt(reader, "Chatflow ID", "")
	aiKey := prompt(reader, "AI API key (leave empty for none)", "")

	fmt.Println("\n--- Translation Configuration ---")
	enableTranslation := prompt(reader, "Enable translation?", "no")
	translationEnabled := strings.ToLower(enableTranslation) == "yes" || strings.ToLower(enableTranslation) == "y"

	var translationBaseURL, translationKey, translationModel string
	if translationEnabled {
		translationBaseURL = prompt(reader, "Translation base URL", "https://api.openai.com")
		translationKey = prompt(reader, "Translation API key", "")
		translationModel = prompt(reader, "Translation model", "gpt-4o-mini")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# mia-relay configuration\n")
	cfg.WriteString("# Generated by mia-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	cfg.WriteString(fmt.Sprintf("  channel_domain: \"%s\"\n", channelDomain))
	cfg.WriteString(fmt.Sprintf("  attendant_domain: \"%s\"\n", attendantDomain))
	cfg.WriteString("  recovery_grace: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("ai:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", aiBaseURL))
	cfg.WriteString(fmt.Sprintf("  chatflow_id: \"%s\"\n", chatflowID))
	if aiKey != "" {
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", aiKey))
	}
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("translation:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", translationEnabled))
	if translationEnabled {
		cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", translationBaseURL))
		cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", translationKey))
		cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", translationModel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString("  idle_threshold: \"30m\"\n")
	cfg.WriteString("  cleanup_interval: \"5m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  mia-relay instance --name \"My Widget\"   # register a bot instance\n")
	fmt.Printf("  mia-relay serve                          # start the relay\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
