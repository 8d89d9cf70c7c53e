package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quorumauthz/core/internal/config"
	"github.com/quorumauthz/core/internal/value"
	"github.com/quorumauthz/core/pkg/quorumauthz"
)

var (
	evaluateBundleDir string
	evaluateRequest   string
)

// evaluateInput is the JSON shape accepted on stdin or via --request: flat
// string-keyed attribute maps, since the CLI has no way to express the
// richer value.Value union beyond strings.
type evaluateInput struct {
	Principal map[string]string `json:"principal"`
	Resource  map[string]string `json:"resource"`
	Action    map[string]string `json:"action"`
	Request   map[string]string `json:"request"`
}

func stringMapToValues(m map[string]string) map[string]quorumauthz.Value {
	out := make(map[string]quorumauthz.Value, len(m))
	for k, v := range m {
		out[k] = value.String(v)
	}
	return out
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a single request against a policy bundle",
	Long:  `Evaluate compiles --bundle, reads a JSON request from --request (or stdin if omitted), and prints the resulting Decision as JSON. resource.type and action.type, if present, are translated through the compiled snapshot's type tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, version, err := config.LoadPolicyBundle(config.PolicyBundleConfig{Dir: evaluateBundleDir, Glob: "*.qauthz"})
		if err != nil {
			return fmt.Errorf("load bundle: %w", err)
		}

		var raw []byte
		if evaluateRequest != "" {
			raw = []byte(evaluateRequest)
		} else {
			raw, err = io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}
		}

		var in evaluateInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("parse request JSON: %w", err)
		}

		engine := quorumauthz.New()
		if err := engine.Load(sources, version); err != nil {
			return fmt.Errorf("compile bundle: %w", err)
		}

		resource := stringMapToValues(in.Resource)
		if typeName, ok := in.Resource["type"]; ok {
			if id, ok := engine.ResourceTypeID(typeName); ok {
				resource["type"] = id
			}
		}
		action := stringMapToValues(in.Action)
		if typeName, ok := in.Action["type"]; ok {
			if id, ok := engine.ActionTypeID(typeName); ok {
				action["type"] = id
			}
		}

		req := quorumauthz.Request{
			Principal: stringMapToValues(in.Principal),
			Resource:  resource,
			Action:    action,
			Request:   stringMapToValues(in.Request),
			Scope:     quorumauthz.NewGlobalScope(),
		}

		decision, err := engine.Evaluate(context.Background(), req)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}

		out := map[string]any{
			"request_id": uuid.NewString(),
			"decision":   decision.Kind.String(),
			"matched":    decision.MatchedPolicies,
			"reason":     decision.Reason,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateBundleDir, "bundle", ".", "directory containing policy source files")
	evaluateCmd.Flags().StringVar(&evaluateRequest, "request", "", "JSON request body (reads stdin if omitted)")
	rootCmd.AddCommand(evaluateCmd)
}
