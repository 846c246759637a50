package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/basket/go-valet/internal/config"
)

type doctorResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "WARN", "FAIL"
	Message string `json:"message"`
}

type doctorReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	OS        string         `json:"os"`
	Arch      string         `json:"arch"`
	Results   []doctorResult `json:"results"`
}

func runDoctorCommand(args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	report := doctorReport{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		report.Results = append(report.Results, doctorResult{"config", "FAIL", cfgErr.Error()})
	} else if cfg.NeedsGenesis {
		report.Results = append(report.Results, doctorResult{"config", "WARN", "no config.yaml yet; run valet once to write a starter"})
	} else {
		report.Results = append(report.Results, doctorResult{"config", "PASS", config.ConfigPath(cfg.HomeDir)})
	}

	if cfgErr == nil {
		report.Results = append(report.Results, checkBinary("engine", cfg.Engine.Binary))
		for kind, kc := range cfg.Jobs.Kinds {
			report.Results = append(report.Results, checkBinary("job kind "+kind, kc.Binary))
		}

		if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
			report.Results = append(report.Results, doctorResult{"telegram", "FAIL", "enabled but no token configured"})
		} else if cfg.Channels.Telegram.Enabled {
			report.Results = append(report.Results, doctorResult{"telegram", "PASS", fmt.Sprintf("%d allowed user(s)", len(cfg.Channels.Telegram.AllowedIDs))})
		} else {
			report.Results = append(report.Results, doctorResult{"telegram", "WARN", "disabled"})
		}

		if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
			report.Results = append(report.Results, doctorResult{"home", "FAIL", err.Error()})
		} else {
			report.Results = append(report.Results, doctorResult{"home", "PASS", cfg.HomeDir})
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
	} else {
		printDoctorReport(report)
	}

	for _, r := range report.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func checkBinary(name, binary string) doctorResult {
	if binary == "" {
		return doctorResult{name, "FAIL", "no binary configured"}
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return doctorResult{name, "FAIL", fmt.Sprintf("%s not found on PATH", binary)}
	}
	return doctorResult{name, "PASS", path}
}

func printDoctorReport(report doctorReport) {
	fmt.Printf("valet doctor (%s, %s/%s)\n---\n", report.Version, report.OS, report.Arch)
	pretty := isTerminal()
	for _, r := range report.Results {
		marker := r.Status
		if pretty {
			switch r.Status {
			case "PASS":
				marker = "✅"
			case "WARN":
				marker = "⚠️ "
			case "FAIL":
				marker = "❌"
			}
		}
		fmt.Printf("%s %-16s %s\n", marker, r.Name, r.Message)
	}
}
