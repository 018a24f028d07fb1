package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/farmhand/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// Exit codes for failures of farmhand itself, kept apart from the small
// codes build tools return.
const (
	exitUsage          = 2
	exitInfrastructure = 125
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return exitUsage
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "serve":
		return runServe(args)
	case "exec":
		return runExec(args)
	case "run":
		return runRun(args)
	case "reserve-port":
		return runReservePort(args)
	case "history":
		return runHistory(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return exitUsage
	}
}

func printUsage() {
	fmt.Print(`farmhand - distribute build tool invocations to a local pool or a build farm

Usage:
  farmhand <command> [flags] [-- argv...]

Commands:
  serve           Run the coordinator (farm agent) on localhost
  exec            Send one command to a coordinator and exit with its code
  run             Run commands through the local/remote dispatch policy
  reserve-port    Print a free localhost port
  history         Show recent tasks
  config hash     Write the .checksums manifest for a config file
  config check    Load and validate a config file
  version         Show version information

Every command accepts --config <file|dir>. FARMHAND_CONFIG is used when the
flag is absent; built-in defaults apply when neither is set.
`)
}

// loadConfig resolves the config path from the flag or FARMHAND_CONFIG and
// falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("FARMHAND_CONFIG")
	}
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
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

	fmt.Printf("farmhand %s\n", info.Version)
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
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}
