// ABOUTME: Entry point for the clara-gateway server
// ABOUTME: Serves platform adapters, supervises adapter processes, and issues tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
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

	"github.com/fatih/color"

	"github.com/2389/clara-gateway/internal/auth"
	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _                                  _
   ___| | __ _ _ __ __ _        __ _  __ _| |_ _____      ____ _ _   _
  / __| |/ _' | '__/ _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (__| | (_| | | | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \___|_|\__,_|_|  \__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: CLARA_CONFIG env var > XDG_CONFIG_HOME/clara/gateway.yaml > ~/.config/clara/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLARA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clara", "gateway.yaml")
}

// getDataPath returns the path to the clara data directory.
// Priority: XDG_DATA_HOME/clara > ~/.local/share/clara
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clara")
}

func usage() {
	fmt.Println("Usage: clara-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token --role ROLE --subject S Issue a JWT (role: adapter or admin)")
	fmt.Println("  health                        Check gateway health")
	fmt.Println("  nodes                         Show readiness and connected node count")
	fmt.Println("  version                       Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "nodes":
		err = runNodes(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
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

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s%s\n", cfg.Server.HTTPAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("LLM:       %s", cfg.LLM.Provider)
	if cfg.LLM.Model != "" {
		gray.Printf(" (%s)", cfg.LLM.Model)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Adapters:  %d supervised\n", len(cfg.Supervisor.Adapters))
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: any adapter may register")
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting clara-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger, gateway.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go reloadOnHangup(ctx, gw, configPath, logger)
	return gw.Run(ctx)
}

// reloadOnHangup reloads hooks and scheduled tasks on SIGHUP.
func reloadOnHangup(ctx context.Context, gw *gateway.Gateway, path string, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if _, err := gw.Reload(path); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	_, status, err := get(ctx, fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}
	fmt.Println("healthy")
	return nil
}

func runNodes(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	body, _, err := get(ctx, fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr))
	if err != nil {
		return fmt.Errorf("readiness check failed: %w", err)
	}
	fmt.Println(body)
	return nil
}

func get(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return string(body), resp.StatusCode, nil
}

// runToken issues a signed token with the configured jwt_secret.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", auth.RoleAdapter, "token role: adapter or admin")
	subject := fs.String("subject", "", "node ID for adapter tokens, operator name for admin tokens")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("clara-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:18789")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Model Configuration ---")
	provider := prompt(reader, "LLM provider (anthropic/openai/echo)", "anthropic")
	model := prompt(reader, "Model", "")

	fmt.Println("\n--- Auth Configuration ---")
	var jwtSecret string
	if isYes(prompt(reader, "Require adapter tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# clara-gateway configuration\n")
	cfg.WriteString("# Generated by clara-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", grpcAddr))
	}
	cfg.WriteString("  ws_path: \"/ws\"\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", jwtSecret))
	}

	cfg.WriteString("llm:\n")
	cfg.WriteString(fmt.Sprintf("  provider: %q\n", provider))
	if model != "" {
		cfg.WriteString(fmt.Sprintf("  model: %q\n", model))
	}
	if provider != "echo" {
		cfg.WriteString("  api_key: \"${CLARA_LLM_API_KEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("adapters:\n")
	cfg.WriteString("  ping_interval: \"30s\"\n")
	cfg.WriteString("  ping_timeout: \"10s\"\n")
	cfg.WriteString("  reconnect_grace_period: \"5m\"\n\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
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
	fmt.Println("\nTo start the server:")
	fmt.Printf("  clara-gateway serve\n")
	if jwtSecret != "" {
		fmt.Println("\nTo issue an adapter token:")
		fmt.Printf("  clara-gateway token --role adapter --subject discord-1\n")
	}
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
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
