// ABOUTME: Entry point for the omni-gateway control server
// ABOUTME: Subcommands serve, init, token, health and agents

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
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

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/config"
	"github.com/2389/omni-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                        _                       _
  ___  _ __ ___  _ __ (_)       __ _  __ _| |_ _____      ____ _ _   _
 / _ \| '_ ' _ \| '_ \| |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_) | | | | | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \___/|_| |_| |_|_| |_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

func usage() {
	fmt.Println("Usage: omni-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                         Start the gateway server")
	fmt.Println("  init                          Create a new config file interactively")
	fmt.Println("  token -sub ID [-role agent]   Issue a token signed with the configured secret")
	fmt.Println("  health                        Check gateway health")
	fmt.Println("  agents                        List connected agents")
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
		err = runInit(os.Stdin, os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "-h", "--help", "help":
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
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Audit DB:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting omni-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// runToken issues a token from the configured secret, for agents or for
// scripted operators.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "principal id (agent id or operator id)")
	roleName := fs.String("role", "agent", "token audience: agent or operator")
	roles := fs.String("roles", "", "comma separated role-list claim, e.g. operator,admin")
	ttl := fs.Duration("ttl", 6*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-sub is required")
	}

	role, err := auth.ParseRole(*roleName)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	token, err := auth.NewTokenService([]byte(cfg.Auth.JWTSecret)).Issue(*subject, role, roleList, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// baseURL turns a listen address into a URL the CLI can dial.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var health gateway.HealthResponse
	status, err := getJSON(ctx, baseURL(cfg.Server.HTTPAddr)+"/health", "", &health)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Printf("healthy (agents: %d, operators: %d)\n", health.Agents, health.Operators)
	return nil
}

// runAgents lists connected agents using a short-lived operator token
// signed with the configured secret.
func runAgents(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewTokenService([]byte(cfg.Auth.JWTSecret)).
		Issue("omni-gateway-cli", auth.RoleOperator, []string{"operator"}, time.Minute)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	var agents []gateway.AgentInfoResponse
	status, err := getJSON(ctx, baseURL(cfg.Server.HTTPAddr)+"/agents", token, &agents)
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents failed: status %d", status)
	}

	printAgents(os.Stdout, agents)
	return nil
}

func printAgents(out io.Writer, agents []gateway.AgentInfoResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "no agents connected")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tPLATFORM\tHOSTNAME\tCONNECTED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.AgentID, a.Platform, a.Hostname, a.ConnectedAt)
	}
	_ = tw.Flush()
}

func getJSON(ctx context.Context, url, token string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	HTTPAddr         string
	GRPCAddr         string
	DatabasePath     string
	JWTSecret        string
	OperatorEmail    string
	TailscaleEnabled bool
	TailscaleHost    string
	LogLevel         string
	LogFormat        string
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# omni-gateway configuration\n")
	cfg.WriteString("# Generated by omni-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	if a.GRPCAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DatabasePath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.JWTSecret))
	cfg.WriteString("  operator_token_ttl: \"1h\"\n")
	if a.OperatorEmail != "" {
		cfg.WriteString("  operators:\n")
		cfg.WriteString("    - id: \"admin\"\n")
		cfg.WriteString(fmt.Sprintf("      email: %q\n", a.OperatorEmail))
		cfg.WriteString("      roles: [\"operator\", \"admin\"]\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.TailscaleEnabled))
	if a.TailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TailscaleHost))
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  command_timeout: \"15s\"\n")
	cfg.WriteString("  write_timeout: \"5s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "omni-gateway configuration setup")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	a := initAnswers{JWTSecret: secret}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Audit Database ---")
	a.DatabasePath = prompt(reader, out, "SQLite database path", filepath.Join(filepath.Dir(outputFile), "audit.db"))

	fmt.Fprintln(out, "\n--- Operators ---")
	a.OperatorEmail = prompt(reader, out, "Admin operator email (empty to skip)", "")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TailscaleHost = prompt(reader, out, "Tailscale hostname", "omni-gateway")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  omni-gateway serve")
	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
