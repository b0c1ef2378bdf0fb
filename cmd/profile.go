package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	profileEntity  string
	profileContext string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Build a profile for one entity through the fallback cascade",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		actx, err := loadContext(profileContext)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "profile")
		if err != nil {
			return err
		}
		defer env.Close()

		res, layer := env.Pipeline.RunFallbackProfile(ctx, profileEntity, actx)
		zap.L().Info("profile finished",
			zap.String("entity_id", profileEntity),
			zap.Stringer("layer", layer),
			zap.Float64("confidence", res.Profile.Confidence),
		)
		return printJSON(cmd.OutOrStdout(), map[string]any{"layer": layer, "result": res})
	},
}

func init() {
	profileCmd.Flags().StringVar(&profileEntity, "entity", "", "entity ID (required)")
	profileCmd.Flags().StringVar(&profileContext, "context", "", "analysis context file (YAML or JSON)")
	_ = profileCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(profileCmd)
}
