package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ragpipe/internal/config"
)

var (
	cfgPath string
	verbose bool

	cfg    *config.AppConfig
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragpipe",
	Short: "Retrieval-augmented search and question answering over a document directory",
	Long: "ragpipe ingests a directory of text, markdown and PDF documents into a\n" +
		"vector index and answers questions against it using retrieval-augmented\n" +
		"generation. Ingestion is resumable: every document is tracked as a job\n" +
		"that can be retried until it succeeds or is dead-lettered.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		logger = logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		}

		var err error
		if cfgPath == "" {
			var path string
			cfg, path, err = config.LoadDefault()
			if err == nil {
				logger.WithField("path", path).Debug("Loaded configuration")
			}
		} else {
			cfg, err = config.Load(cfgPath)
		}
		return err
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error(err)
		} else {
			logrus.Error(err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"path to config YAML (default: ./config.yaml, then ~/.config/ragpipe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
}
