package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/apiclient"
	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/config"
	"github.com/foundersbase/chatdock/internal/logging"
)

var (
	cfg    config.Config
	logger *zap.Logger

	bffOrigin string
	selfFlag  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chatdock",
	Short: "Terminal chat dock",
	Long: `chatdock keeps a live chat session against the BFF: conversation
list with unread counts, per-peer threads, optimistic sends and a live
channel with REST fallback.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if bffOrigin != "" {
			cfg.BFFOrigin = bffOrigin
		}
		if selfFlag != "" {
			cfg.Self = selfFlag
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		l, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newAPI() *apiclient.Client {
	return apiclient.New(cfg.BFFOrigin,
		apiclient.WithTimeout(cfg.HTTPTimeout),
		apiclient.WithBackendOrigin(cfg.BackendOrigin),
		apiclient.WithSessionCookies(cfg.AccessToken, cfg.RefreshToken),
		apiclient.WithLogger(logger),
	)
}

// resolveSelf prefers CHAT_SELF and otherwise asks the BFF who we are.
func resolveSelf(ctx context.Context, api *apiclient.Client) (chat.Username, error) {
	if u, err := chat.ParseUsername(cfg.Self); err == nil {
		return u, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	defer cancel()
	me, err := api.Me(ctx)
	if err != nil {
		return "", fmt.Errorf("who am i: %w (set CHAT_SELF)", err)
	}
	return chat.ParseUsername(string(me.Username))
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
		defer cancel()
		list, err := api.ListConversations(ctx)
		if err != nil {
			return err
		}
		printConversations(cmd, sortConversations(list))
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <username> <message...>",
	Short: "Send one message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := chat.ParseUsername(args[0])
		if err != nil {
			return err
		}
		content := strings.TrimSpace(strings.Join(args[1:], " "))
		if content == "" {
			return fmt.Errorf("empty message")
		}
		api := newAPI()
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
		defer cancel()
		msg, err := api.Send(ctx, peer, content)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent id=%s to=%s at=%s\n", msg.ID, peer, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users to start a conversation with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := newAPI()
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.HTTPTimeout)
		defer cancel()
		users, err := api.SearchUsers(ctx, args[0])
		if err != nil {
			return err
		}
		printUsers(cmd, users)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&bffOrigin, "bff", "", "BFF origin (default: BFF_ORIGIN)")
	rootCmd.PersistentFlags().StringVar(&selfFlag, "self", "", "signed-in username (default: CHAT_SELF or /api/account/me)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default: LOG_LEVEL)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(searchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
