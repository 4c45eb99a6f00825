package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "exchange":
		return runExchangeNoun(args)

	case "start":
		return runStart(args)
	case "--version", "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: hl7gw version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("hl7gw %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`hl7gw - HL7 v2 acknowledgement gateway

Usage:
  hl7gw <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  config    Configuration and integrity
  exchange  Journaled message/acknowledgement pairs

System Commands:
  system start      Start the gateway in the foreground
  system status     Show gateway health (config, journal, PID lock, API)
  system watch      Real-time exchange monitoring TUI

Config Commands:
  config lock       Authorize current state (update integrity hashes)
  config check      Validate syntax, policy, and pipeline references
  config show       Show the resolved configuration (secrets redacted)
  config get        Read a single value from the resolved configuration

Exchange Commands:
  exchange list         List recent exchanges from the journal
  exchange inspect <id> Show the request, response, and outcome of one exchange

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'hl7gw <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runExchangeNoun(args []string) int {
	if len(args) < 1 {
		printExchangeNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printExchangeNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printExchangeListHelp()
			return 0
		}
		return runExchangeList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printExchangeInspectHelp()
			return 0
		}
		return runExchangeInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown exchange action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hl7gw system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hl7gw config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check, show, get")
}

func printExchangeNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: hl7gw exchange <action>")
	fmt.Fprintln(w, "Actions: list, inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: hl7gw system start [--config PATH]")
	fmt.Println("Start the gateway in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: hl7gw system status [--config PATH] [--json]")
	fmt.Println("Show gateway health (config, journal readiness, PID lock state, and API when enabled).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: hl7gw system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time exchange monitoring TUI.")
	fmt.Println("Shows gateway health, per-endpoint outcomes, open exchanges, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL     Gateway API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY     API Bearer Token (or HL7GW_API_KEY env var)")
	fmt.Println("  --endpoint NAME   Only follow one endpoint")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ←/→              Select endpoint")
	fmt.Println("  ↑/↓, k/j         Navigate exchanges")
}

func printConfigLockHelp() {
	fmt.Println("Usage: hl7gw config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize current configuration state by regenerating .checksums for every file in the include tree.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: hl7gw config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax, policy, and pipeline references.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: hl7gw config show [entity] [--config PATH] [--json]")
	fmt.Println("Show the resolved configuration or one entity (e.g. endpoint:adt-in). Secrets are redacted.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: hl7gw config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration (e.g. service.log_level).")
}

func printExchangeListHelp() {
	fmt.Println("Usage: hl7gw exchange list [--config PATH] [--endpoint NAME] [--outcome OUTCOME] [--limit N] [--json]")
	fmt.Println("List recent exchanges, newest first.")
}

func printExchangeInspectHelp() {
	fmt.Println("Usage: hl7gw exchange inspect <exchange_id> [--config PATH] [--json]")
	fmt.Println("Show the request, response, and outcome of one exchange.")
}

// --- SHARED HELPERS ---

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}

// discoveryLogger adapts plugin discovery's level-string callback to slog.
func discoveryLogger(component string) func(level, msg string, args ...any) {
	logger := log.WithComponent(component)
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	}
}
