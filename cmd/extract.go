package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	extractEntity  string
	extractContext string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run the extraction agents for one entity and persist new signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		actx, err := loadContext(extractContext)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.RunAgentExtraction(ctx, extractEntity, actx)
		if err != nil {
			return err
		}
		zap.L().Info("extraction finished",
			zap.String("entity_id", res.EntityID),
			zap.String("status", string(res.Diagnostics.Status)),
			zap.Int("signals", len(res.Signals)),
		)
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractEntity, "entity", "", "entity ID (required)")
	extractCmd.Flags().StringVar(&extractContext, "context", "", "analysis context file (YAML or JSON)")
	_ = extractCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(extractCmd)
}
