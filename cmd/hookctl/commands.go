package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"gohook/config"
	"gohook/diag"
	"gohook/hexdump"
	"gohook/hook"
	"gohook/process"
	"gohook/process/memory_map"
	"gohook/process_blob"
	"gohook/reghook"
	"gohook/x86"
)

const hookctlLongDesc = `hookctl attaches to a running 32-bit Windows process and reads, writes and
hooks its code without touching the binary on disk.

Addresses are absolute unless --relative is given, in which case they are offsets
from the base of the main module (--module, default run.exe).`

func newRootCommand() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:           "hookctl",
		Short:         "Inspect and hook a running 32-bit Windows process.",
		Long:          hookctlLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.register(root.PersistentFlags())

	root.AddCommand(
		newModulesCommand(o),
		newReadCommand(o),
		newReadStringCommand(o),
		newWriteStringCommand(o),
		newPatchCommand(o),
		newRegsCommand(o),
		newDumpCommand(o),
		newConfigCommand(o),
	)
	return root
}

// withTarget runs fn with a session and an attached target, closing both afterwards
func withTarget(o *options, cmd *cobra.Command, fn func(s *session, proc process.Process) error) error {
	s, err := o.newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	proc, err := s.openTarget(o)
	if err != nil {
		return err
	}
	defer proc.Close()

	return fn(s, proc)
}

func newModulesCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "List the modules loaded in the target.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				modules, err := proc.Modules()
				if err != nil {
					return err
				}
				sort.Slice(modules, func(i, j int) bool { return modules[i].Base < modules[j].Base })

				for _, m := range modules {
					fmt.Fprintf(s.out, "%-12s %8X  %-24s %s\n", m.Base.ToString(), uint(m.Size), m.Name, m.Path)
				}
				return nil
			})
		},
	}
}

func newReadCommand(o *options) *cobra.Command {
	var (
		relative, disasm bool
		path             []string
	)

	cmd := &cobra.Command{
		Use:   "read address size",
		Short: "Hex dump target memory.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				addr, err := resolveAddress(proc, args[0], relative)
				if err != nil {
					return err
				}
				size, err := strconv.ParseUint(args[1], 0, 32)
				if err != nil {
					return fmt.Errorf("bad size %q: %w", args[1], err)
				}

				if len(path) > 0 {
					offsets, err := parseOffsets(path)
					if err != nil {
						return err
					}
					if addr, err = process.FollowPath(proc, addr, offsets...); err != nil {
						return err
					}
				}

				if !proc.IsValidAddress(addr) {
					return fmt.Errorf("%s is not mapped in the target: %w", addr.ToString(), process.ErrMemoryAccess)
				}
				prot, err := proc.QueryProtection(addr)
				if err != nil {
					return err
				}

				data, err := proc.ReadMemory(addr, process.ProcessMemorySize(size))
				if err != nil {
					return err
				}

				fmt.Fprintf(s.out, "%s %s (%s)\n", addr.ToString(), memory_map.ProtectionPerms(uint32(prot)), prot.ToString())

				opts := hexdump.DefaultOptions()
				opts.StartAddress = uint64(addr)
				opts.Color = s.tty
				hexdump.DumpToWriter(s.out, data, opts)

				if disasm {
					for _, line := range x86.Disassemble(data, uint64(addr)) {
						fmt.Fprintln(s.out, line)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Address is an offset into the main module.")
	cmd.Flags().BoolVarP(&disasm, "disasm", "d", false, "Also disassemble the bytes as 32-bit code.")
	cmd.Flags().StringSliceVar(&path, "path", nil, "Pointer path from address, e.g. 0x10,0x8.")
	return cmd
}

func newReadStringCommand(o *options) *cobra.Command {
	var (
		relative  bool
		maxLength uint
	)

	cmd := &cobra.Command{
		Use:   "read-string address",
		Short: "Read a NUL terminated string from a fixed size buffer.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				addr, err := resolveAddress(proc, args[0], relative)
				if err != nil {
					return err
				}
				text, err := process.ReadFixedString(proc, addr, process.ProcessMemorySize(maxLength))
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "%q\n", text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Address is an offset into the main module.")
	cmd.Flags().UintVar(&maxLength, "max", process.FixedStringLength, "Buffer length.")
	return cmd
}

func newWriteStringCommand(o *options) *cobra.Command {
	var relative, name bool

	cmd := &cobra.Command{
		Use:   "write-string address text",
		Short: "Write a string into a fixed size buffer, truncated and NUL terminated.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name && !process.IsValidCharacterName(args[1]) {
				return fmt.Errorf("%q is not a valid character name", args[1])
			}
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				addr, err := resolveAddress(proc, args[0], relative)
				if err != nil {
					return err
				}
				n, err := process.WriteFixedString(proc, addr, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(s.out, "wrote %d bytes at %s\n", n, addr.ToString())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Address is an offset into the main module.")
	cmd.Flags().BoolVar(&name, "name", false, "Reject text that is not a valid character name.")
	return cmd
}

func newPatchCommand(o *options) *cobra.Command {
	var (
		relative bool
		width    int
		hold     time.Duration
		keep     bool
	)

	cmd := &cobra.Command{
		Use:   "patch address destination",
		Short: "Redirect address to destination with a near jump until interrupted.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				addr, err := resolveAddress(proc, args[0], relative)
				if err != nil {
					return err
				}
				dest, err := resolveAddress(proc, args[1], relative)
				if err != nil {
					return err
				}

				patcher, err := s.newPatcher(proc)
				if err != nil {
					return err
				}
				h := hook.NewJumpHook(proc, patcher, addr, dest, width, s.sink)
				if s.cfg.Log.Bot != "" {
					h.WithBot(s.cfg.Log.Bot)
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()

				if err := h.Install(ctx); err != nil {
					return err
				}

				opts := hexdump.DefaultOptions()
				opts.StartAddress = uint64(addr)
				opts.Color = s.tty
				fmt.Fprint(s.out, hexdump.Diff(h.Original(), h.Replacement(), opts))

				if keep {
					s.log.Warnf("leaving patch at %s installed", addr.ToString())
					return nil
				}

				waitFor(ctx, hold, nil)
				return h.Uninstall(context.Background())
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Addresses are offsets into the main module.")
	cmd.Flags().IntVar(&width, "width", x86.NearJumpSize, "Bytes to replace, the tail is NOP filled.")
	cmd.Flags().DurationVar(&hold, "hold", 0, "Remove the patch after this long, 0 waits for Ctrl-C.")
	cmd.Flags().BoolVar(&keep, "keep", false, "Exit with the patch still installed.")
	return cmd
}

func newRegsCommand(o *options) *cobra.Command {
	var (
		relative bool
		count    uint64
		duration time.Duration
		events   bool
		regList  string
	)

	cmd := &cobra.Command{
		Use:   "regs address",
		Short: "Print the registers of every thread reaching address.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				addr, err := resolveAddress(proc, args[0], relative)
				if err != nil {
					return err
				}

				mask, err := reghook.ParseRegisters(regList)
				if err != nil {
					return err
				}

				patcher, err := s.newPatcher(proc)
				if err != nil {
					return err
				}

				var (
					seen atomic.Uint64
					once sync.Once
					done = make(chan struct{})
				)
				callback := func(regs reghook.CapturedRegisters) {
					fmt.Fprintln(s.out, regs.Format(mask))
					if count > 0 && seen.Add(1) >= count {
						once.Do(func() { close(done) })
					}
				}

				hookOpts := reghook.OptionsFromConfig(s.cfg)
				hookOpts.Registers = mask
				h, err := reghook.New(proc, patcher, addr, callback, hookOpts, s.sink)
				if err != nil {
					return err
				}
				defer h.Close()

				if events {
					entries, cancel := s.hub.Subscribe(64)
					defer cancel()
					go func() {
						for e := range entries {
							if e.Category == diag.Hooks {
								fmt.Fprintln(s.out, e.String())
							}
						}
					}()
				}

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
				defer stop()

				if err := h.Install(ctx); err != nil {
					return err
				}
				waitFor(ctx, duration, done)

				if err := h.Uninstall(context.Background()); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "hits %d, dropped %d\n", h.Hits(), h.Dropped())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "Address is an offset into the main module.")
	cmd.Flags().Uint64Var(&count, "count", 0, "Stop after this many snapshots.")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long, 0 waits for Ctrl-C.")
	cmd.Flags().BoolVar(&events, "events", false, "Echo hook log entries.")
	cmd.Flags().StringVar(&regList, "registers", "all", "Registers to print, e.g. eax,ecx,esp.")
	return cmd
}

func newDumpCommand(o *options) *cobra.Command {
	var maxRegion uint

	cmd := &cobra.Command{
		Use:   "dump directory",
		Short: "Save the readable memory and module list of the target.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTarget(o, cmd, func(s *session, proc process.Process) error {
				blob, err := process_blob.Capture(proc, maxRegion)
				if err != nil {
					return err
				}
				if err := blob.Save(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(s.out, "dump of pid %d saved to %s\n", proc.GetPID(), args[0])
				return nil
			})
		},
	}
	cmd.Flags().UintVar(&maxRegion, "max-region", process_blob.DefaultMaxRegionSize, "Skip regions larger than this.")
	return cmd
}

func newConfigCommand(o *options) *cobra.Command {
	var write string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or write it to a file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			if write != "" {
				return config.Save(write, cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "Write the configuration to this file.")
	return cmd
}

// waitFor blocks until ctx is done, d elapses (when positive) or done closes
func waitFor(ctx context.Context, d time.Duration, done <-chan struct{}) {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-done:
	}
}
