package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/potto/internal/emulator"
	"github.com/zboralski/potto/internal/log"
)

var (
	traceMode   bool
	debugMode   bool
	quietMode   bool
	profilePath string
	extraEnv    []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "potto <program> [args...]",
		Short: "Run a 32-bit x86 program under shadow-tracking emulation",
		Long: `Potto executes a 32-bit x86 ELF program by interpreting every
instruction in software. Each byte of guest memory and every register
carries a definedness bit, so reads of uninitialized values, heap misuse
(use-after-free, double free, leaks) and wild memory accesses are caught
and reported with backtraces.

The guest's system calls are intercepted: some are serviced inside the
emulator, the rest are marshalled through the software MMU to the host
kernel. Diagnostics go to stderr with an ==PID== prefix; the guest's own
output is unaffected.

Examples:
  potto ./guest arg1 arg2        # run with diagnostics
  potto -t ./guest               # trace every instruction
  potto -q ./guest               # diagnostics only, no notices
  potto -e TERM=dumb ./guest     # add to the guest environment
  potto info ./guest             # show binary information`,
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runGuest,
	}

	rootCmd.Flags().SetInterspersed(false) // flags after the program belong to the guest
	rootCmd.Flags().BoolVarP(&traceMode, "trace", "t", false, "print each instruction and a register dump")
	rootCmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "verbose machinery log")
	rootCmd.Flags().BoolVarP(&quietMode, "quiet", "q", false, "suppress informational notices (diagnostics still print)")
	rootCmd.Flags().StringVarP(&profilePath, "profile-config", "c", "", "YAML config file")
	rootCmd.Flags().StringArrayVarP(&extraEnv, "env", "e", nil, "extra KEY=VALUE for the guest environment (repeatable)")

	infoCmd := &cobra.Command{
		Use:   "info <program>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGuest(cmd *cobra.Command, args []string) error {
	cfg := emulator.Config{}
	if profilePath != "" {
		loaded, err := emulator.LoadConfig(profilePath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.Trace = cfg.Trace || traceMode
	cfg.Debug = cfg.Debug || debugMode
	cfg.Quiet = cfg.Quiet || quietMode

	env := append(os.Environ(), extraEnv...)
	emu, err := emulator.New(args[0], args, env, cfg)
	if err != nil {
		return fmt.Errorf("load %s: %w", args[0], err)
	}

	os.Exit(emu.Run())
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	log.Init(debugMode)

	image, err := emulator.LoadImage(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Path:     %s\n", image.Path)
	fmt.Printf("Machine:  %v\n", image.Machine)
	fmt.Printf("Entry:    %#08x\n", image.Entry)
	fmt.Printf("Segments: %d\n", len(image.Segments))
	for _, seg := range image.Segments {
		kind := "data"
		if seg.IsExecutable() && !seg.IsWritable() {
			kind = "text"
		}
		fmt.Printf("  %08x  filesz=%#x memsz=%#x  %s\n", seg.VAddr, seg.FileSize, seg.MemSize, kind)
	}
	if image.TLS != nil {
		fmt.Printf("TLS:      %#x bytes\n", image.TLS.MemSize)
	}

	for _, name := range []string{"malloc", "free"} {
		if sym, ok := image.FindFunction(name); ok {
			fmt.Printf("%-8s  %08x-%08x\n", name+":", sym.Value, sym.Value+sym.Size)
		} else {
			fmt.Printf("%-8s  not found\n", name+":")
		}
	}
	fmt.Printf("Symbols:  %d\n", len(image.Symbols()))
	return nil
}
