package main

import (
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/hupe1980/calagent"
	"github.com/hupe1980/calagent/calcom"
	"github.com/hupe1980/calagent/checkpoint"
	"github.com/hupe1980/calagent/internal/config"
	"github.com/hupe1980/calagent/logging"
	"github.com/hupe1980/calagent/model"
	"github.com/hupe1980/calagent/model/anthropic"
	"github.com/hupe1980/calagent/model/openai"
)

var rootCmd = &cobra.Command{
	Use:   "calagent",
	Short: "Conversational calendar assistant",
	Long: `calagent lets you manage your cal.com calendar in natural language.

A language model plans calendar operations; reads run automatically while
bookings and cancellations wait for your confirmation. Conversations are
checkpointed, so a suspended or interrupted turn can be resumed later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
}

// newGateway selects the model provider from config.
func newGateway(cfg *config.Config) (model.Gateway, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return anthropic.NewGateway(func(o *anthropic.Options) {
			if cfg.Model.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Model.Name)
			}
			o.APIKey = cfg.Model.AnthropicAPIKey
		}), nil
	case "openai":
		return openai.NewGateway(func(o *openai.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
			o.APIKey = cfg.Model.OpenAIAPIKey
		}), nil
	case "mock":
		return model.NewMockGateway(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// newStore selects the checkpoint backend from config.
func newStore(cfg *config.Config) (checkpoint.Store, func() error, error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return checkpoint.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite":
		path := cfg.Checkpoint.Path
		if path == "" {
			path = checkpoint.DefaultDBPath()
		}
		store, err := checkpoint.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// newAgent wires the whole assistant: gateway, calendar capabilities,
// approval policies and checkpoint store.
func newAgent(cfg *config.Config, optFns ...func(o *calagent.Options)) (*calagent.Agent, func() error, error) {
	logger := newLogger(cfg)

	gateway, err := newGateway(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := newStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	agent := calagent.New(gateway, func(o *calagent.Options) {
		o.Policies = calcom.DefaultPolicies()
		o.MaxRoundTrips = cfg.Turns.MaxRoundTrips
		o.MaxParallel = cfg.Turns.MaxParallel
		o.ApprovalTimeout = cfg.Turns.ApprovalTimeout
		o.Store = store
		o.Logger = logger
		if cfg.Turns.SystemPrompt != "" {
			o.SystemPrompt = cfg.Turns.SystemPrompt
		}
		for _, fn := range optFns {
			fn(o)
		}
	})

	client, err := calcom.New(cfg.Calendar.APIKey, func(o *calcom.Options) {
		if cfg.Calendar.BaseURL != "" {
			o.BaseURL = cfg.Calendar.BaseURL
		}
		o.Logger = logger
	})
	if err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	if err := agent.RegisterCapabilities(client.Capabilities()...); err != nil {
		_ = closeStore()
		return nil, nil, err
	}

	return agent, closeStore, nil
}
