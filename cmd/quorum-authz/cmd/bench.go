package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumauthz/core/internal/config"
	"github.com/quorumauthz/core/internal/value"
	"github.com/quorumauthz/core/pkg/quorumauthz"
)

var (
	benchBundleDir string
	benchN         int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure Evaluate throughput against a policy bundle",
	Long:  `bench compiles --bundle and runs --n evaluations of a synthetic request against it, reporting total elapsed time and evaluations per second.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, version, err := config.LoadPolicyBundle(config.PolicyBundleConfig{Dir: benchBundleDir, Glob: "*.qauthz"})
		if err != nil {
			return fmt.Errorf("load bundle: %w", err)
		}

		engine := quorumauthz.New()
		if err := engine.Load(sources, version); err != nil {
			return fmt.Errorf("compile bundle: %w", err)
		}

		req := quorumauthz.Request{
			Principal: map[string]quorumauthz.Value{"id": value.String("bench-principal")},
			Resource:  map[string]quorumauthz.Value{"id": value.String("bench-resource")},
			Action:    map[string]quorumauthz.Value{"name": value.String("bench-action")},
			Scope:     quorumauthz.NewGlobalScope(),
		}

		ctx := cmd.Context()
		start := time.Now()
		for i := 0; i < benchN; i++ {
			if _, err := engine.Evaluate(ctx, req); err != nil {
				return fmt.Errorf("evaluate #%d: %w", i, err)
			}
		}
		elapsed := time.Since(start)

		fmt.Printf("%d evaluations in %s (%.0f/s)\n", benchN, elapsed, float64(benchN)/elapsed.Seconds())
		return nil
	},
}

func init() {
	benchCmd.Flags().StringVar(&benchBundleDir, "bundle", ".", "directory containing policy source files")
	benchCmd.Flags().IntVar(&benchN, "n", 100000, "number of evaluations to run")
	rootCmd.AddCommand(benchCmd)
}
