package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/gputop-procs/internal/app"
	"github.com/skobkin/gputop-procs/internal/config"
	"github.com/skobkin/gputop-procs/internal/monitor"
	"github.com/skobkin/gputop-procs/internal/process"
)

type options struct {
	sysfsRoot  string
	procRoot   string
	gpuFilter  string
	quoting    string
	jsonOutput bool
	verbose    bool
}

func parseFlags(cfg config.Config) options {
	var opts options
	flag.StringVar(&opts.sysfsRoot, "sysfs", cfg.SysfsRoot, "Path to sysfs root")
	flag.StringVar(&opts.procRoot, "proc", cfg.ProcRoot, "Path to procfs root")
	flag.StringVar(&opts.gpuFilter, "gpu", "", "Limit output to one GPU id")
	flag.StringVar(&opts.quoting, "quoting", cfg.Proc.Quoting.String(), "Command quoting: auto, posix, windows or generic")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit snapshots as JSON")
	flag.BoolVar(&opts.verbose, "v", false, "Log at debug level")
	flag.Parse()
	return opts
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	opts := parseFlags(cfg)

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg.SysfsRoot = opts.sysfsRoot
	cfg.ProcRoot = opts.procRoot
	// One tick shares host reads between GPUs.
	cfg.Proc.PersistentSnapshots = true
	if cfg.Proc.Quoting, err = process.ParseDialect(opts.quoting); err != nil {
		logger.Error("invalid quoting", "err", err)
		os.Exit(2)
	}

	services, err := app.Build(logger, cfg)
	if err != nil {
		logger.Error("build services", "err", err)
		os.Exit(1)
	}
	defer services.Close()

	services.Monitor.Scan()

	var snapshots []monitor.Snapshot
	for _, id := range services.Monitor.GPUIDs() {
		if opts.gpuFilter != "" && opts.gpuFilter != id {
			continue
		}
		if snap, ok := services.Monitor.Latest(id); ok {
			snapshots = append(snapshots, snap)
		}
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshots); err != nil {
			logger.Error("encode snapshots", "err", err)
			os.Exit(1)
		}
		return
	}

	if len(services.GPUs) == 0 {
		fmt.Println("No GPUs detected")
		return
	}
	renderTable(os.Stdout, snapshots)
}

func renderTable(out io.Writer, snapshots []monitor.Snapshot) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"GPU", "PID", "USER", "GPU-MEM", "TYPE", "%CPU", "%MEM", "TIME", "COMMAND"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for _, snap := range snapshots {
		for _, p := range snap.Processes {
			table.Append([]string{
				gpuLabel(snap),
				strconv.FormatInt(int64(p.PID), 10),
				p.Username,
				p.GPUMemoryHuman,
				p.Type.Label(),
				p.CPUPercentString,
				p.MemoryPercentString,
				p.RunningTimeHuman,
				p.Command,
			})
		}
	}
	table.Render()
}

func gpuLabel(snap monitor.Snapshot) string {
	if snap.GPUName == "" {
		return snap.GPUId
	}
	return snap.GPUId + " (" + snap.GPUName + ")"
}
