package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpsignal/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "corpsignal",
	Short: "Multi-provider corporate signal extraction and profiling",
	Long:  "Runs extraction agents and a fallback profile cascade across search, validation and synthesis providers, guarded by per-provider circuit breakers and concurrency limits.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
