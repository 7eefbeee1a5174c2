package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gohook/config"
	"gohook/diag"
	"gohook/hook"
	"gohook/inject"
	"gohook/process"
	"gohook/process_blob"
)

// options holds the persistent flags
type options struct {
	pid        int
	configPath string
	module     string
	mode       string
	restore    string
	logLevel   string
	dumpDir    string
}

// session is everything a command needs, built once from flags and config
type session struct {
	cfg  *config.Config
	out  io.Writer
	tty  bool
	hub  *diag.Hub
	sink diag.Logger
	log  *diag.Scoped

	closers []io.Closer
}

func (o *options) register(flags *pflag.FlagSet) {
	flags.IntVarP(&o.pid, "pid", "p", 0, "Process ID to attach to.")
	flags.StringVarP(&o.configPath, "config", "c", "", "YAML config file.")
	flags.StringVarP(&o.module, "module", "m", "", "Module that relative addresses are based on.")
	flags.StringVar(&o.mode, "mode", "", `Patch mode, "local" or "remote".`)
	flags.StringVar(&o.restore, "protect-restore", "", `What a failed protection restore means, "soft" or "hard".`)
	flags.StringVar(&o.logLevel, "log-level", "", "Minimum log severity: debug, info, warning or error.")
	flags.StringVar(&o.dumpDir, "dump", "", "Work on a saved dump directory instead of a live process.")
}

// loadConfig applies the config file over the defaults and then any flags that were set
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("module") {
		cfg.Module = o.module
	}
	if flags.Changed("mode") {
		cfg.PatchMode = config.PatchMode(o.mode)
	}
	if flags.Changed("protect-restore") {
		cfg.ProtectRestore = config.ProtectRestore(o.restore)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func (o *options) newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg: cfg,
		out: colorable.NewColorableStdout(),
		tty: isatty.IsTerminal(os.Stdout.Fd()),
		hub: diag.NewHub(),
	}

	sink, err := s.buildSink()
	if err != nil {
		return nil, err
	}
	s.sink = sink
	s.log = diag.NewScoped(sink, diag.System)
	if cfg.Log.Bot != "" {
		s.log = s.log.WithBot(cfg.Log.Bot)
	}
	return s, nil
}

// buildSink wires console, optional logrus and the hub behind one filter
func (s *session) buildSink() (diag.Logger, error) {
	lc := s.cfg.Log

	min, err := diag.ParseSeverity(lc.Level)
	if err != nil {
		return nil, err
	}

	sinks := []diag.Logger{diag.NewConsole("hookctl"), s.hub}
	if lc.Structured {
		var w io.Writer = os.Stderr
		if lc.StructuredFile != "" {
			f, err := os.OpenFile(lc.StructuredFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return nil, fmt.Errorf("open structured log: %w", err)
			}
			s.closers = append(s.closers, f)
			w = f
		}
		sinks = append(sinks, diag.NewStructured(w, min, logrus.Fields{"module": s.cfg.Module}))
	}

	filter := diag.NewFilter(diag.Multi(sinks...), min)
	filter.SetEnabled(!lc.Disabled)
	for name, enabled := range lc.Categories {
		category, err := diag.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		filter.SetCategory(category, enabled)
	}
	return filter, nil
}

func (s *session) Close() {
	if dropped := s.hub.Dropped(); dropped > 0 {
		s.log.Debugf("%d log entries dropped by slow subscribers", dropped)
	}
	for _, c := range s.closers {
		c.Close()
	}
}

// openTarget attaches to --pid, or loads --dump into a simulated process
func (s *session) openTarget(o *options) (process.Process, error) {
	var (
		proc process.Process
		err  error
	)
	if o.dumpDir != "" {
		proc, err = process_blob.Load(o.dumpDir)
		if err != nil {
			return nil, fmt.Errorf("load dump %s: %w", o.dumpDir, err)
		}
		s.log.Infof("loaded dump %s (pid %d)", o.dumpDir, proc.GetPID())
	} else {
		if o.pid == 0 {
			return nil, fmt.Errorf("--pid or --dump is required")
		}
		proc, err = openProcess(process.ProcessID(o.pid), s.sink)
		if err != nil {
			return nil, err
		}
	}

	proc.SetMainModule(s.cfg.Module)
	return proc, nil
}

func (s *session) newPatcher(proc process.Process) (hook.Patcher, error) {
	if s.cfg.PatchMode != config.PatchRemote {
		return hook.NewLocalPatcher(proc, s.cfg.ProtectRestore, s.sink), nil
	}

	resolver, err := inject.NewExportResolver(proc, s.cfg.ExportCacheSize, s.sink)
	if err != nil {
		return nil, err
	}
	injector := inject.NewInjector(proc, s.cfg.InjectTimeout, s.sink)
	return inject.NewRemotePatcher(injector, resolver, s.cfg.ProtectRestore, s.sink)
}

// resolveAddress parses a number; with relative it is an offset into the main module
func resolveAddress(proc process.Process, text string, relative bool) (process.ProcessMemoryAddress, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(text), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", text, err)
	}
	if !relative {
		return process.ProcessMemoryAddress(v), nil
	}
	return proc.ResolveRelative(process.ProcessMemorySize(v))
}

// parseOffsets reads pointer path offsets, each decimal or 0x hex
func parseOffsets(fields []string) ([]process.ProcessMemorySize, error) {
	offsets := make([]process.ProcessMemorySize, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("bad path offset %q: %w", field, err)
		}
		offsets = append(offsets, process.ProcessMemorySize(v))
	}
	return offsets, nil
}
