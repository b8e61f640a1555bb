package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"vela/internal/config"
	"vela/internal/engine"
	"vela/internal/observ"
	"vela/internal/vm"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <file.vbc>",
	Short: "Execute a compiled Vela module",
	Long:  `Load a module binary and execute its entry code object on the VM`,
	Args:  cobra.ExactArgs(1),
	RunE:  runExecution,
}

func init() {
	runCmd.Flags().Bool("trace", false, "enable VM execution tracing")
	runCmd.Flags().String("record", "", "write a run log to the given path")
	runCmd.Flags().String("compare", "", "compare the run against a recorded log")
	runCmd.Flags().Bool("stats", false, "print heap and deoptimisation statistics")
	runCmd.Flags().Bool("collect", false, "run a final cycle collection before exiting")
	runCmd.Flags().Int("gc-threshold", 0, "cycle-candidate count that triggers a collection (overrides vela.toml)")
	runCmd.Flags().Float64("gc-pressure", 0, "freed fraction below which memory pressure is reported (overrides vela.toml)")
	runCmd.Flags().Int("max-flush-depth", 0, "scheduler pass bound before a runaway-loop error (overrides vela.toml)")
	runCmd.Flags().Float64("deopt-threshold", 0, "performance regression factor that deoptimises a function (overrides vela.toml)")
}

// applyFlagOverrides layers non-zero knob flags over the manifest values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Runtime) error {
	gcThreshold, err := cmd.Flags().GetInt("gc-threshold")
	if err != nil {
		return fmt.Errorf("failed to get gc-threshold flag: %w", err)
	}
	if gcThreshold > 0 {
		cfg.GC.CycleThreshold = gcThreshold
	}
	gcPressure, err := cmd.Flags().GetFloat64("gc-pressure")
	if err != nil {
		return fmt.Errorf("failed to get gc-pressure flag: %w", err)
	}
	if gcPressure > 0 {
		cfg.GC.PressureFraction = gcPressure
	}
	flushDepth, err := cmd.Flags().GetInt("max-flush-depth")
	if err != nil {
		return fmt.Errorf("failed to get max-flush-depth flag: %w", err)
	}
	if flushDepth > 0 {
		cfg.Scheduler.MaxFlushDepth = flushDepth
	}
	deoptThreshold, err := cmd.Flags().GetFloat64("deopt-threshold")
	if err != nil {
		return fmt.Errorf("failed to get deopt-threshold flag: %w", err)
	}
	if deoptThreshold > 0 {
		cfg.Deopt.RegressionThreshold = deoptThreshold
	}
	return nil
}

func runExecution(cmd *cobra.Command, args []string) error {
	modulePath := args[0]

	traceExec, err := cmd.Flags().GetBool("trace")
	if err != nil {
		return fmt.Errorf("failed to get trace flag: %w", err)
	}
	recordPath, err := cmd.Flags().GetString("record")
	if err != nil {
		return fmt.Errorf("failed to get record flag: %w", err)
	}
	comparePath, err := cmd.Flags().GetString("compare")
	if err != nil {
		return fmt.Errorf("failed to get compare flag: %w", err)
	}
	showStats, err := cmd.Flags().GetBool("stats")
	if err != nil {
		return fmt.Errorf("failed to get stats flag: %w", err)
	}
	finalCollect, err := cmd.Flags().GetBool("collect")
	if err != nil {
		return fmt.Errorf("failed to get collect flag: %w", err)
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return fmt.Errorf("failed to get quiet flag: %w", err)
	}
	showTimings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return fmt.Errorf("failed to get timings flag: %w", err)
	}

	cleanup, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg, err := config.Load(filepath.Dir(modulePath))
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cmd, &cfg); err != nil {
		return err
	}

	data, err := os.ReadFile(modulePath)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}

	opts := engine.Options{
		Config: cfg,
		Record: recordPath != "" || comparePath != "",
	}
	if traceExec {
		opts.Trace = os.Stderr
	}
	rt := engine.New(opts)

	timer := observ.NewTimer()
	decodePhase := timer.Begin("decode")
	if err := rt.Load(data); err != nil {
		return err
	}
	timer.End(decodePhase, fmt.Sprintf("%d bytes", len(data)))

	execPhase := timer.Begin("execute")
	result, execErr := rt.Execute()
	timer.End(execPhase, "")

	if finalCollect {
		collectPhase := timer.Begin("collect")
		freed := rt.ForceCollect()
		timer.End(collectPhase, fmt.Sprintf("freed %d", freed))
	}

	if execErr != nil {
		colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
		if err != nil {
			return fmt.Errorf("failed to get color flag: %w", err)
		}
		useColor := colorFlag == "on" || (colorFlag == "auto" && isTerminal(os.Stderr))
		printExecError(os.Stderr, execErr, useColor)
		os.Exit(1)
	}

	if !quiet {
		fmt.Fprintln(cmd.OutOrStdout(), rt.VM().FormatValue(result))
	}

	if recordPath != "" {
		if err := writeRunLog(rt, recordPath); err != nil {
			return err
		}
	}
	if comparePath != "" {
		if err := compareRunLog(rt, comparePath, cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	if showStats {
		printRunStats(cmd.OutOrStdout(), rt)
	}
	if showTimings {
		fmt.Fprint(cmd.ErrOrStderr(), timer.Summary())
	}
	return nil
}

func printExecError(out io.Writer, execErr error, useColor bool) {
	var verr *vm.VMError
	if !errors.As(execErr, &verr) {
		fmt.Fprintln(out, execErr)
		return
	}
	if useColor {
		header := color.New(color.FgRed, color.Bold)
		header.Fprintf(out, "error %s:", verr.Code)
		fmt.Fprintf(out, " %s\n", verr.Message)
		for i, frame := range verr.Backtrace {
			if frame.Line > 0 {
				fmt.Fprintf(out, "  %d: %s pc=%d line=%d\n", i, frame.FuncName, frame.PC, frame.Line)
			} else {
				fmt.Fprintf(out, "  %d: %s pc=%d\n", i, frame.FuncName, frame.PC)
			}
		}
		return
	}
	fmt.Fprint(out, verr.Format())
}

func writeRunLog(rt *engine.Runtime, path string) error {
	if err := rt.Recorder().WriteFile(path); err != nil {
		return fmt.Errorf("failed to write run log: %w", err)
	}
	return nil
}

func compareRunLog(rt *engine.Runtime, path string, errOut io.Writer) error {
	want, err := vm.ReadRunLog(path)
	if err != nil {
		return fmt.Errorf("failed to read run log: %w", err)
	}
	diffs := rt.RunLog().Compare(want)
	if len(diffs) == 0 {
		return nil
	}
	for _, d := range diffs {
		fmt.Fprintln(errOut, "run log mismatch:", d)
	}
	return fmt.Errorf("run diverged from %s in %d counters", path, len(diffs))
}
