// ABOUTME: Entry point for coven-pool, the MCP backend session pool server
// ABOUTME: Provides serve, init, token, stats, and health commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-pool/internal/auth"
	"github.com/2389/coven-pool/internal/config"
	"github.com/2389/coven-pool/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                      _
  ___ _____   _____ _ __        _ __   ___   ___  | |
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \ / _ \ / _ \ | |
| (_| (_) \ V /  __/ | | |_____| |_) | (_) | (_) || |
 \___\___/ \_/ \___|_| |_|     | .__/ \___/ \___/ |_|
                               |_|
`

const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

// tokenPath is where init and token save the CLI bearer token.
func tokenPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "pool-token")
}

func usage() {
	fmt.Println("Usage: coven-pool <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the pool server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  token --subject NAME [--admin]     Mint an API token")
	fmt.Println("        [--ttl 720h]")
	fmt.Println("  stats [SERVER_ID]                  Show session pool statistics")
	fmt.Println("  health                             Check server health")
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
		err = runInit(os.Stdin)
	case "token":
		err = runToken(os.Args[2:])
	case "stats":
		err = runStats(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
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
	configPath := config.DefaultPath()

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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Backends:  %d\n", len(cfg.Backends))
	green.Print("    ▶ ")
	fmt.Print("Pooling:   ")
	if cfg.Pooling.Enabled {
		cyan.Print(cfg.Pooling.DefaultStrategy)
		if cfg.Pooling.AutoAdjust {
			gray.Print(" (auto-adjust)")
		}
	} else {
		yellow.Print("disabled")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-pool",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"pooling", cfg.Pooling.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// tokenArgs holds parsed flags for the token command.
type tokenArgs struct {
	subject string
	admin   bool
	ttl     time.Duration
}

// parseTokenArgs accepts "--flag value" and "--flag=value" forms.
func parseTokenArgs(args []string) (*tokenArgs, error) {
	out := &tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--admin":
			if hasValue {
				return nil, fmt.Errorf("--admin takes no value")
			}
			out.admin = true
		case "--subject", "-s", "--ttl":
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("%s requires a value", name)
				}
				value = args[i+1]
				i++
			}
			if name == "--ttl" {
				d, err := time.ParseDuration(value)
				if err != nil || d <= 0 {
					return nil, fmt.Errorf("invalid --ttl %q", value)
				}
				out.ttl = d
			} else {
				out.subject = strings.TrimSpace(value)
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if out.subject == "" {
		return nil, fmt.Errorf("--subject flag is required")
	}
	return out, nil
}

func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	var roles []string
	if parsed.admin {
		roles = []string{auth.RoleAdmin}
	}
	token, err := verifier.Generate(parsed.subject, roles, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// apiBaseURL returns the HTTP base URL for the configured server.
func apiBaseURL(cfg *config.Config) string {
	if url := os.Getenv("COVEN_POOL_URL"); url != "" {
		return strings.TrimSuffix(url, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

// loadToken reads the API token from COVEN_POOL_TOKEN or the saved token file.
func loadToken(configPath string) string {
	if tok := os.Getenv("COVEN_POOL_TOKEN"); tok != "" {
		return tok
	}
	data, err := os.ReadFile(tokenPath(configPath))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func runStats(ctx context.Context, args []string) error {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := apiBaseURL(cfg) + "/api/pools"
	if len(args) > 0 {
		url += "/" + args[0]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if tok := loadToken(configPath); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list gateway.ListPoolsResponse
	if len(args) > 0 {
		var one gateway.PoolStatsResponse
		if err := json.Unmarshal(body, &one); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		list = gateway.ListPoolsResponse{Enabled: true, Pools: []gateway.PoolStatsResponse{one}}
	} else if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	renderStats(os.Stdout, list)
	return nil
}

// renderStats prints pool stats as an aligned table.
func renderStats(w io.Writer, list gateway.ListPoolsResponse) {
	if !list.Enabled {
		fmt.Fprintln(w, color.YellowString("session pooling is disabled"))
		return
	}
	if len(list.Pools) == 0 {
		fmt.Fprintln(w, "no session pools")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSTRATEGY\tSTATUS\tSESSIONS\tACTIVE\tUNHEALTHY\tACQUIRED\tREUSED\tTIMEOUTS\tERRORS")
	for _, p := range list.Pools {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			p.ServerID, p.Strategy, colorStatus(p.Status),
			p.TotalSessions, p.MaxSize, p.ActiveSessions, p.UnhealthySessions,
			p.TotalAcquisitions, p.Reused, p.TotalTimeouts, p.ConnectionErrors,
		)
	}
	_ = tw.Flush()
}

func colorStatus(status string) string {
	switch status {
	case "active", "idle":
		return color.GreenString(status)
	case "degraded", "draining", "warming", "initializing":
		return color.YellowString(status)
	case "error", "inactive":
		return color.RedString(status)
	default:
		return status
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := apiBaseURL(cfg) + "/health/ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// generateSecret returns a random base64 secret long enough for HS256.
func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

// initAnswers holds the values collected by the init prompts.
type initAnswers struct {
	grpcAddr  string
	httpAddr  string
	dbPath    string
	jwtSecret string
	strategy  string
	logLevel  string
	logFormat string
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-pool configuration\n")
	cfg.WriteString("# Generated by coven-pool init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("pooling:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  default_strategy: %q\n", a.strategy))
	cfg.WriteString("  default_max_size: 10\n")
	cfg.WriteString("  default_timeout: \"30s\"\n")
	cfg.WriteString("  session_ttl: \"1h\"\n")
	cfg.WriteString("  max_idle_time: \"10m\"\n")
	cfg.WriteString("  auto_adjust: false\n")
	cfg.WriteString("\n")

	cfg.WriteString("# backends:\n")
	cfg.WriteString("#   - id: \"time\"\n")
	cfg.WriteString("#     kind: \"stdio\"\n")
	cfg.WriteString("#     command: \"mcp-server-time\"\n")
	cfg.WriteString("backends: []\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.logFormat))

	return cfg.String()
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("coven-pool configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	fmt.Println("\n--- Server Configuration ---")
	answers := initAnswers{jwtSecret: secret}
	answers.grpcAddr = prompt(reader, "gRPC address", "localhost:50052")
	answers.httpAddr = prompt(reader, "HTTP address", "localhost:8090")

	fmt.Println("\n--- Database Configuration ---")
	answers.dbPath = prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "pool.db"))

	fmt.Println("\n--- Pooling Configuration ---")
	answers.strategy = prompt(reader, "Default strategy (round_robin/least_connections/sticky/weighted/none)", "round_robin")

	fmt.Println("\n--- Logging Configuration ---")
	answers.logLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	answers.logFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(answers)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate("coven-pool-cli", []string{auth.RoleAdmin}, defaultTokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	if err := os.WriteFile(tokenPath(outputFile), []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Created config: %s\n", outputFile)
	green.Printf("  ✓ Saved admin token: %s\n", tokenPath(outputFile))
	fmt.Println()
	fmt.Println("  Next: add backends to the config, then run")
	fmt.Println("    coven-pool serve")
	return nil
}

// prompt asks for input with a default value.
func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		return defaultValue
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}
