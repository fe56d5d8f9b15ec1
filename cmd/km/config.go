// cmd/km is the monitor's process entry point: it parses the command
// line and environment, loads the guest payload, brings up a Machine
// and every supporting component, and runs the guest to completion.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

// options is the command line surface, parsed by go-flags the same
// way canonical-snapd's cmd/ binaries do: a plain struct with
// `long`/`short`/`description` tags, no hand-rolled flag.FlagSet.
type options struct {
	NumVCPUs     int    `long:"cpus" default:"1" description:"number of vCPUs to start"`
	MemSize      string `long:"mem" default:"256Mi" description:"guest physical memory size (K/M/G suffix)"`
	Snapshot     string `long:"snapshot" description:"resume from a snapshot file instead of loading a payload"`
	MgtPipe      string `long:"mgtpipe" description:"management socket path"`
	WaitForSignal bool  `long:"wait-for-signal" description:"pause vCPU 0 before its first instruction, until SIGUSR1"`

	Args struct {
		Payload string   `positional-arg-name:"payload" description:"path to the guest ELF binary"`
		Argv    []string `positional-arg-name:"args"`
	} `positional-args:"yes"`
}

// Config is the environment-derived configuration layered underneath
// the CLI flags, matching km_management.c's KM_MGTDIR/KM_MGTPIPE
// precedence and the trace/snapshot-path env vars spec.md's original
// accepts as an alternative to their flag equivalents.
type Config struct {
	MgtDir       string
	MgtPipe      string
	SnapshotPath string
	Trace        bool
}

func loadConfig() Config {
	return Config{
		MgtDir:       os.Getenv("KM_MGTDIR"),
		MgtPipe:      os.Getenv("KM_MGTPIPE"),
		SnapshotPath: os.Getenv("KM_SNAPSHOT_PATH"),
		Trace:        os.Getenv("KM_TRACE") != "",
	}
}

// parseMemSize accepts a decimal size with an optional K/M/G suffix
// (binary multiples, matching guestmem's KiB/MiB/GiB), e.g. "256Mi"
// or plain bytes like "268435456".
func parseMemSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	mult := uint64(1)
	n := s
	switch {
	case hasSuffix(s, "Gi"), hasSuffix(s, "G"):
		mult = 1 << 30
		n = trimSuffixAny(s, "Gi", "G")
	case hasSuffix(s, "Mi"), hasSuffix(s, "M"):
		mult = 1 << 20
		n = trimSuffixAny(s, "Mi", "M")
	case hasSuffix(s, "Ki"), hasSuffix(s, "K"):
		mult = 1 << 10
		n = trimSuffixAny(s, "Ki", "K")
	}
	var val uint64
	if _, err := fmt.Sscanf(n, "%d", &val); err != nil {
		return 0, fmt.Errorf("bad memory size %q: %w", s, err)
	}
	return val * mult, nil
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

func trimSuffixAny(s string, sufs ...string) string {
	for _, suf := range sufs {
		if hasSuffix(s, suf) {
			return s[:len(s)-len(suf)]
		}
	}
	return s
}

func parseArgs() (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Name = "km"
	parser.Usage = "[OPTIONS] PAYLOAD [ARGS...]"
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}
	return &opts, nil
}
