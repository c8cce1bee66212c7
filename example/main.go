package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "uatcp",
	Short: "TCP network layer demo",
	Long: `uatcp runs the TCP network layer as an echo server or opens a single
client connection to one. Flags can also be set through environment
variables in the form UATCP_<FLAG> (e.g. UATCP_PORT=4841), and through
.env or .env.local files in the working directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

// underscoreFlags accepts --recv_buffer as well as --recv-buffer, matching
// the spelling of the UATCP_RECV_BUFFER variables.
func underscoreFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.SetGlobalNormalizationFunc(underscoreFlags)

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Uint32("recv-buffer", 65535, "local receive buffer size in bytes")
	rootCmd.PersistentFlags().Uint32("send-buffer", 65535, "local send buffer size in bytes")
	rootCmd.PersistentFlags().Uint32("max-message", 1<<20, "largest message accepted in bytes (0 = unlimited)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
}

// initConfig loads env files and makes viper read UATCP_* variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("uatcp")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
