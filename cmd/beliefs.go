package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aonescu/aegis/internal/formatting"
	"github.com/aonescu/aegis/internal/store"
)

var beliefsJSON bool

var beliefsCmd = &cobra.Command{
	Use:   "beliefs",
	Short: "Inspect or prune learned beliefs and rules",
}

var beliefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List beliefs and procedural rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if beliefsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"beliefs": a.book.Beliefs(),
				"rules":   a.book.Rules(),
			})
		}
		fmt.Fprint(out, formatting.FormatBeliefs(a.book.Beliefs(), a.book.Rules()))
		return nil
	},
}

var forgetRule bool

var beliefsForgetCmd = &cobra.Command{
	Use:   "forget <key>",
	Short: "Forget a belief by key, or a rule by id with --rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		kind := store.KindBelief
		if forgetRule {
			kind = store.KindRule
		}
		if err := a.book.Forget(ctx, kind, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forgot %s %s\n", kind, args[0])
		return nil
	},
}

func init() {
	beliefsListCmd.Flags().BoolVar(&beliefsJSON, "json", false, "print as JSON")
	beliefsForgetCmd.Flags().BoolVar(&forgetRule, "rule", false, "treat the key as a rule id")
	beliefsCmd.AddCommand(beliefsListCmd, beliefsForgetCmd)
}
