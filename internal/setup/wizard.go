package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nightvault/huddle/internal/config"
)

const (
	defaultConfigPath = "/etc/huddle/config.yaml"
	defaultListenHost = "0.0.0.0"
	defaultListenPort = "9190"
	defaultHealthPort = "9191"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string // Override default config path
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local config if not
	isRoot := os.Geteuid() == 0
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo huddle setup\n\n")
	}

	fmt.Fprintln(out, "Huddle Relay Setup")
	fmt.Fprintln(out, "==================")
	fmt.Fprintln(out)

	// Step 1: Listen address
	listenHost := prompt(scanner, out,
		fmt.Sprintf("Listen host [%s]: ", defaultListenHost),
		defaultListenHost)
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	listenAddress := net.JoinHostPort(listenHost, listenPort)

	if reason := checkPortAvailable(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
	}

	// Step 2: Health port (always loopback)
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)

	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 3: Empty-room eviction (off by default: rooms otherwise live
	// until an explicit delete)
	emptyTTL := promptDuration(scanner, out,
		"Evict empty rooms after (e.g. 24h, empty = never): ", "")

	// Step 4: Prometheus metrics
	metricsAnswer := prompt(scanner, out,
		"Enable Prometheus metrics? [y/N]: ", "n")
	metricsEnabled := strings.HasPrefix(strings.ToLower(metricsAnswer), "y")

	// Step 5: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(listenAddress, healthAddress, emptyTTL, metricsEnabled)

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start huddle service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start huddle")
			}
		}
	}

	// Step 9: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Relay:        ws://%s\n", listenAddress)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u huddle -f")
	fmt.Fprintln(out, "  Validate:       huddle validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// promptDuration prompts for an optional duration, re-prompting on
// unparseable input. Empty input returns defaultVal.
func promptDuration(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for val != "" {
		if _, err := time.ParseDuration(val); err == nil {
			return val
		}
		fmt.Fprintf(out, "  Invalid duration %q: use Go syntax like 30m or 24h\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the huddle service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "huddle").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "huddle").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "huddle").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(listenAddress, healthAddress, emptyTTL string, metricsEnabled bool) string {
	ttlLine := `  empty_room_ttl: 0s  # 0s = rooms live until an explicit delete`
	if emptyTTL != "" {
		ttlLine = fmt.Sprintf(`  empty_room_ttl: "%s"`, yamlEscapeString(emptyTTL))
	}

	return fmt.Sprintf(`# Huddle Relay Configuration
# Generated by: huddle setup

server:
  # REQUIRED: WebSocket listen address
  listen_address: "%s"

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 262144  # 256KB
  write_timeout: "30s"
  read_timeout: "5m"

  # TLS (terminate at a reverse proxy instead if you prefer)
  tls:
    enabled: false
    cert_file: ""
    key_file: ""

security:
  # Rate limiting on connection attempts
  rate_limit:
    enabled: true
    connections_per_minute: 60

  # Connection limits
  max_connections: 1000
  max_connections_per_ip: 20

rooms:
%s
  sweep_interval: "1m"
  max_history: 0  # 0 = keep full history per room

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: %t
  metrics_endpoint: "/metrics"
`, yamlEscapeString(listenAddress), ttlLine, yamlEscapeString(healthAddress), metricsEnabled)
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to huddle:huddle if running as root
	if setOwnership {
		u, err := user.Lookup("huddle")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user huddle: %v\n", err)
			return nil
		}
		g, err := user.LookupGroup("huddle")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up group huddle: %v\n", err)
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user huddle: %v\n", u.Uid, err)
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group huddle: %v\n", g.Gid, err)
			return nil
		}
		if err := os.Chown(path, uid, gid); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to huddle:huddle: %v\n", err)
		}
	}

	return nil
}
