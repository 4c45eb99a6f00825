package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/hl7gw/internal/api"
	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/doctor"
	"github.com/mattjoyce/hl7gw/internal/inspect"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/lock"
	"github.com/mattjoyce/hl7gw/internal/plugin"
	"github.com/mattjoyce/hl7gw/internal/storage"
	"github.com/mattjoyce/hl7gw/internal/tui/watch"
)

// --- CONFIG ACTIONS ---

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	// A missing pipelines_dir is reported through the unresolved pipeline
	// references rather than aborting the check.
	registry, err := plugin.Discover(cfg.PipelinesDir, nil)
	if err != nil {
		registry = nil
		fmt.Fprintf(os.Stderr, "Pipeline discovery: %v\n", err)
	}

	result := doctor.New(cfg, registry).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	reports, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		for _, report := range reports {
			fmt.Printf("Processing directory: %s\n", report.ConfigDir)
			for _, file := range report.Files {
				if file.Exists {
					fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
					continue
				}
				fmt.Printf("  SKIP %s: not found\n", file.Filename)
			}
			if report.Written {
				fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
			} else {
				fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(reports))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(reports))
	}
	for _, report := range reports {
		fmt.Printf("  - %s\n", report.ConfigDir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	cfg = cfg.Redacted()

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: hl7gw config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

// --- EXCHANGE ACTIONS ---

// exchangeRow is the JSON shape of one "exchange list" line.
type exchangeRow struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	ControlID   string    `json:"control_id,omitempty"`
	MessageType string    `json:"message_type,omitempty"`
	Outcome     string    `json:"outcome"`
	Closed      bool      `json:"closed"`
	ReceivedAt  time.Time `json:"received_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`
}

func runExchangeList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	endpoint := fs.String("endpoint", "", "Only show this endpoint")
	outcome := fs.String("outcome", "", "Only show this outcome (ack, nack, error, timeout)")
	controlID := fs.String("control-id", "", "Only show this MSH-10 control id")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	j, closeDB, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := j.List(context.Background(), journal.Filter{
		Endpoint:  *endpoint,
		Outcome:   *outcome,
		ControlID: *controlID,
		Limit:     *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	rows := make([]exchangeRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, exchangeRow{
			ID:          e.ID,
			Endpoint:    e.Endpoint,
			ControlID:   e.ControlID,
			MessageType: e.MessageType,
			Outcome:     e.Outcome,
			Closed:      e.Closed,
			ReceivedAt:  e.ReceivedAt,
			ElapsedMS:   e.Elapsed.Milliseconds(),
		})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(rows) == 0 {
		fmt.Println("No exchanges found.")
		return 0
	}
	fmt.Printf("%-36s  %-16s  %-20s  %-8s  %-8s  %s\n", "ID", "ENDPOINT", "CONTROL ID", "OUTCOME", "ELAPSED", "RECEIVED")
	for _, r := range rows {
		outcome := r.Outcome
		if r.Closed {
			outcome += "*"
		}
		fmt.Printf("%-36s  %-16s  %-20s  %-8s  %-8s  %s\n",
			r.ID, r.Endpoint, r.ControlID, outcome,
			fmt.Sprintf("%dms", r.ElapsedMS),
			r.ReceivedAt.Local().Format(time.DateTime))
	}
	return 0
}

func runExchangeInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON format")

	// Accept the id before or after the flags.
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() == 1 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: hl7gw exchange inspect <exchange_id> [--config PATH] [--json]")
		return 1
	}

	j, closeDB, err := openJournalForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	var report string
	if *jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), j, id)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(context.Background(), j, id)
	}
	if err != nil {
		if errors.Is(err, journal.ErrExchangeNotFound) {
			fmt.Fprintf(os.Stderr, "Exchange %s not found\n", id)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func openJournalForTool(configPath string) (*journal.Journal, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		return nil, nil, fmt.Errorf("journal %s: %w", cfg.State.Path, err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open journal: %w", err)
	}
	return journal.New(db), func() { _ = db.Close() }, nil
}

// --- SYSTEM ACTIONS ---

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	PID     int           `json:"pid,omitempty"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := buildStatusReport(*configPath)

	if *jsonOut {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		for _, c := range report.Checks {
			state := "OK"
			if !c.OK {
				state = "FAIL"
			}
			fmt.Printf("%s: %s", c.Name, state)
			if c.Detail != "" {
				fmt.Printf(" (%s)", c.Detail)
			}
			fmt.Println()
		}
	}

	if !report.Healthy {
		return 1
	}
	return 0
}

func buildStatusReport(configPath string) statusReport {
	report := statusReport{Healthy: true}
	add := func(c statusCheck) {
		report.Checks = append(report.Checks, c)
		if !c.OK {
			report.Healthy = false
		}
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		add(statusCheck{Name: "config_load", Detail: err.Error()})
		add(statusCheck{Name: "state_db", Detail: "skipped: config not loaded"})
		add(statusCheck{Name: "pid_lock", Detail: "skipped: config not loaded"})
		return report
	}
	add(statusCheck{Name: "config_load", OK: true, Detail: fmt.Sprintf("%d endpoint(s)", len(cfg.Endpoints))})
	add(checkJournal(cfg.State.Path))

	held, pid, err := lock.Held(getPIDLockPath(cfg))
	switch {
	case err != nil:
		add(statusCheck{Name: "pid_lock", Detail: err.Error()})
	case held:
		report.PID = pid
		add(statusCheck{Name: "pid_lock", OK: true, Detail: fmt.Sprintf("running (pid %d)", pid)})
	default:
		add(statusCheck{Name: "pid_lock", OK: true, Detail: "not running"})
	}

	if held && cfg.API.Enabled {
		add(checkAPI(cfg))
	}
	return report
}

func checkJournal(path string) statusCheck {
	c := statusCheck{Name: "state_db"}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.OK = true
		c.Detail = "not created yet"
		return c
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	defer db.Close()

	if _, err := journal.New(db).List(ctx, journal.Filter{Limit: 1}); err != nil {
		c.Detail = err.Error()
		return c
	}
	c.OK = true
	c.Detail = path
	return c
}

func checkAPI(cfg *config.Config) statusCheck {
	c := statusCheck{Name: "api"}
	url := "http://" + cfg.API.Listen + "/healthz"

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	defer resp.Body.Close()

	var health api.HealthzResponse
	if resp.StatusCode != http.StatusOK {
		c.Detail = fmt.Sprintf("%s returned %s", url, resp.Status)
		return c
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		c.Detail = fmt.Sprintf("decode healthz: %v", err)
		return c
	}
	c.OK = health.Status == "ok"
	c.Detail = fmt.Sprintf("%s, %d in flight", health.Status, health.InFlight)
	return c
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	apiKey := fs.String("api-key", os.Getenv("HL7GW_API_KEY"), "API Bearer Token")
	endpoint := fs.String("endpoint", "", "Only follow this endpoint")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or HL7GW_API_KEY env var.")
		return 1
	}

	m := watch.New(strings.TrimRight(*apiURL, "/"), *apiKey, *endpoint)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
