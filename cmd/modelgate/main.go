package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/engine"
	"github.com/revoforge/modelgate/pkg/provider"
	"github.com/revoforge/modelgate/pkg/server"
)

var (
	configFile string
	debugFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelgate",
		Short: "Multi-provider LLM orchestration with fallback and cost tracking",
		Long: `Modelgate routes generation requests across remote API providers, a
	locally-loaded quantized model, and a deterministic template backstop,
	selecting candidates by priority, content tags, and host resources,
	and falling back until one succeeds.`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "modelgate.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if debugFlag {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func buildEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, engine.WithLogger(newLogger()))
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}
			e.Start()
			defer e.Stop()

			return server.New(e, newLogger()).ListenAndServe(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		preferredFlag string
		maxTokens     int
		temperature   float64
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt through the fallback chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}

			res, err := e.Generate(cmd.Context(), provider.Request{
				Prompt:      args[0],
				MaxTokens:   maxTokens,
				Temperature: temperature,
				Preferred:   preferredFlag,
			})
			if err != nil {
				return err
			}

			fmt.Println(res.Content)
			fmt.Fprintf(os.Stderr, "\n[%s] tokens=%d cost=$%.4f latency=%dms confidence=%.1f\n",
				res.ProviderID, res.TokensUsed, res.Cost, res.LatencyMS, res.Confidence)
			return nil
		},
	}

	cmd.Flags().StringVar(&preferredFlag, "provider", "", "preferred provider id")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max completion tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	return cmd
}

func providersCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show provider status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to start engine: %w", err)
			}

			status := e.GetProviderStatus()
			if jsonFlag {
				return json.NewEncoder(os.Stdout).Encode(status)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENABLED\tAVAILABLE\tHEALTH")
			for _, s := range status {
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", s.ID, s.Kind, s.Enabled, s.Available, s.HealthState)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "output JSON")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("%s: OK (%d providers, %d content rules, strategy=%s)\n",
				configFile, len(cfg.Providers), len(cfg.Routing.ContentRules), cfg.Routing.Strategy)
			return nil
		},
	}
}
