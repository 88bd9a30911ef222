package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ordermaster/printbridge/internal/discovery"
	"github.com/ordermaster/printbridge/internal/probe"
	"github.com/ordermaster/printbridge/pkg/models"
)

// scanResult is one printer as printed by the scan command.
type scanResult struct {
	ID           string   `json:"id" yaml:"id"`
	Address      string   `json:"address" yaml:"address"`
	Port         int      `json:"port" yaml:"port"`
	Protocol     string   `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	targets := fs.String("targets", "", "comma-separated CIDRs, ranges, or hosts (default: local /24)")
	ports := fs.String("ports", "9100,631,80", "comma-separated ports to probe")
	concurrency := fs.Int("concurrency", 32, "parallel probes")
	timeout := fs.Duration("timeout", 300*time.Millisecond, "per-probe timeout")
	deadline := fs.Duration("deadline", 30*time.Second, "overall scan deadline")
	rate := fs.Float64("rate", 0, "probes per second (0 = unlimited)")
	snmp := fs.String("snmp-community", "", "query SNMP for model details with this community")
	ping := fs.Bool("ping", false, "skip hosts that do not answer ICMP echo")
	format := fs.String("format", "yaml", "output format: yaml or json")
	verbose := fs.Bool("v", false, "print progress to stderr")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	portList, err := parsePorts(*ports)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger := zap.NewNop()
	var opts []discovery.Option
	if *ping {
		opts = append(opts, discovery.WithPinger(probe.NewICMPChecker(*timeout, 1)))
	}
	if *snmp != "" {
		opts = append(opts, discovery.WithEnricher(probe.NewSNMPEnricher(*snmp, *timeout)))
	}
	scanner := discovery.NewScanner(&probe.TCPProber{}, logger, opts...)

	cfg := discovery.ScanConfig{
		Ports:         portList,
		Concurrency:   *concurrency,
		ProbeTimeout:  *timeout,
		Deadline:      *deadline,
		RatePerSecond: *rate,
	}
	if *targets != "" {
		cfg.Targets = strings.Split(*targets, ",")
	}

	obs := discovery.ObserverFuncs{}
	if *verbose {
		obs.Progress = func(p models.ScanProgress) {
			fmt.Fprintf(os.Stderr, "\r%d/%d %s\033[K", p.Current, p.Total, p.Details)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	found, err := scanner.ScanNetwork(ctx, cfg, obs)
	if *verbose {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}

	if err := writeScanResults(os.Stdout, *format, found); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parsePorts(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no ports given")
	}
	return out, nil
}

func writeScanResults(w io.Writer, format string, found []models.Device) error {
	rows := make([]scanResult, 0, len(found))
	for _, d := range found {
		rows = append(rows, scanResult{
			ID:           d.ID,
			Address:      d.Address,
			Port:         d.Port,
			Protocol:     d.Protocol,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			Capabilities: d.Capabilities,
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q (want yaml or json)", format)
}
