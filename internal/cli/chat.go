package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rifqi/dexa/internal/config"
	"github.com/rifqi/dexa/pkg/agent"
	"github.com/rifqi/dexa/pkg/orchestrator"
	"github.com/rifqi/dexa/pkg/toolexec"
)

var (
	chatWallet   string
	chatProvider string
	chatModel    string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message without running the daemon",
	Long: `Run a single conversation turn directly against the tool backend
and configured provider. Useful for smoke-testing a deployment.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatWallet, "wallet", "", "wallet address for account-scoped tools")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "provider override (anthropic, openai, openrouter)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model override")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	provider := chatProvider
	if provider == "" {
		provider = cfg.Providers.Default
	}
	model := chatModel
	if model == "" {
		model = cfg.Providers.Model
	}

	logger := zerolog.Nop()
	executor := toolexec.NewExecutor(
		toolexec.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout(), logger),
		logger,
	)
	orch, err := orchestrator.New(orchestrator.Config{
		Executor: executor,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reply, err := orch.Run(cmd.Context(), orchestrator.TurnRequest{
		Provider:      provider,
		Model:         model,
		APIKey:        cfg.Providers.APIKeyFor(provider),
		WalletAddress: chatWallet,
		Messages: []agent.ChatMessage{
			{Role: "user", Content: strings.Join(args, " ")},
		},
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
