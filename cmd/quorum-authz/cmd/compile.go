package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/quorumauthz/core/internal/compiler"
	"github.com/quorumauthz/core/internal/config"
)

var compileTracer = otel.Tracer("github.com/quorumauthz/core/cmd/quorum-authz")

var compileBundleDir string

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a policy bundle and report errors",
	Long:  `Compile reads every policy source file in --bundle and reports the resulting snapshot's policy count, version and fingerprint, or the first compile error encountered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, version, err := config.LoadPolicyBundle(config.PolicyBundleConfig{Dir: compileBundleDir, Glob: "*.qauthz"})
		if err != nil {
			return fmt.Errorf("load bundle: %w", err)
		}
		if len(sources) == 0 {
			return fmt.Errorf("no policy sources found in %s", compileBundleDir)
		}

		_, span := compileTracer.Start(cmd.Context(), "compiler.Compile")
		snap, err := compiler.Compile(sources, version)
		span.End()
		if err != nil {
			return fmt.Errorf("compile: %w", err)
		}

		fmt.Printf("compiled %d polic(y/ies) at version %d, fingerprint %x\n", len(snap.Policies), snap.Version, snap.Fingerprint())
		return nil
	},
}

func init() {
	compileCmd.Flags().StringVar(&compileBundleDir, "bundle", ".", "directory containing policy source files")
	rootCmd.AddCommand(compileCmd)
}
