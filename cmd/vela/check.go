package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vela/internal/bytecode"
)

var checkCmd = &cobra.Command{
	Use:   "check <file.vbc>...",
	Short: "Validate compiled Vela modules without executing them",
	Long:  `Decode each module binary and report structural errors`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Int("jobs", 0, "number of parallel workers (0 = GOMAXPROCS)")
}

type checkResult struct {
	path string
	err  error
}

func runCheck(cmd *cobra.Command, args []string) error {
	jobs, err := cmd.Flags().GetInt("jobs")
	if err != nil {
		return fmt.Errorf("failed to get jobs flag: %w", err)
	}
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	// Index per goroutine is unique, no mutex needed.
	results := make([]checkResult, len(args))

	g, gctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(min(jobs, len(args)))

	for i, path := range args {
		i, path := i, path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			results[i] = checkResult{path: path, err: checkModule(path)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.path, r.err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", r.path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed validation", failed, len(args))
	}
	return nil
}

func checkModule(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := bytecode.Decode(data)
	if err != nil {
		return err
	}
	if len(m.Code) == 0 {
		return fmt.Errorf("module has no code objects")
	}
	return nil
}
