package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flcs-server",
	Short: "Federated Learning Coordination Server",
	Long: `flcs-server coordinates federated learning rounds across untrusted
clients: client enrollment and mTLS identity, round orchestration,
anomaly-aware update screening, privacy-preserving aggregation, and an
admin REST surface for operating the fleet.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config.json (default: ./config.json, or $FLCS_CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd)
}
