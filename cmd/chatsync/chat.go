package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/campusmarket/chatsync/pkg/chat"
	"github.com/campusmarket/chatsync/pkg/chat/history"
	"github.com/campusmarket/chatsync/pkg/config"
	"github.com/campusmarket/chatsync/pkg/realtime"
	"github.com/campusmarket/chatsync/pkg/realtime/channelmem"
	"github.com/campusmarket/chatsync/pkg/realtime/channelredis"
	"github.com/campusmarket/chatsync/pkg/realtime/channelws"
)

type chatFlags struct {
	conv      string
	mode      string
	userID    int64
	userName  string
	peerID    int64
	peerName  string
	itemTitle string
}

func newChatCommand() *cobra.Command {
	flags := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation in the terminal",
		Long: "Open a conversation and keep it synchronized: history via the REST API, " +
			"new messages via the realtime channel. Mode 'local' runs fully in-process " +
			"against an echoing peer and needs no backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, flags)
		},
	}
	cmd.Flags().StringVar(&flags.conv, "conv", "", "Conversation id (generated when empty)")
	cmd.Flags().StringVar(&flags.mode, "mode", "local", "Transport mode: local|ws|redis")
	cmd.Flags().Int64Var(&flags.userID, "user-id", 0, "Local user id (overrides config)")
	cmd.Flags().StringVar(&flags.userName, "user-name", "", "Local user name (overrides config)")
	cmd.Flags().Int64Var(&flags.peerID, "peer-id", 2, "Remote participant id")
	cmd.Flags().StringVar(&flags.peerName, "peer-name", "Seller", "Remote participant name")
	cmd.Flags().StringVar(&flags.itemTitle, "item", "Untitled item", "Item title shown in the header")
	return cmd
}

func runChat(ctx context.Context, cfg config.Config, flags *chatFlags) error {
	userID := cfg.User.ID
	userName := cfg.User.Name
	if flags.userID != 0 {
		userID = flags.userID
	}
	if flags.userName != "" {
		userName = flags.userName
	}
	if userID == 0 {
		userID = 1
	}
	if userName == "" {
		userName = "You"
	}
	convID := flags.conv
	if convID == "" {
		convID = uuid.NewString()
	}

	var (
		channel realtime.Channel
		api     chat.HistoryAPI
		cleanup func()
	)
	switch flags.mode {
	case "local":
		mem := channelmem.New()
		channel = mem
		api = newLocalBackend(mem, userID, userName, flags.peerID, flags.peerName)
		cleanup = func() { _ = mem.Close(context.Background()) }
	case "ws":
		ws := channelws.New(cfg.Server.WSURL)
		channel = ws
		api = history.NewClient(cfg.Server.APIBaseURL, history.WithToken(cfg.Server.Token))
		cleanup = func() { _ = ws.Close() }
	case "redis":
		rc, err := channelredis.New(cfg.Server.RedisAddr)
		if err != nil {
			return err
		}
		channel = rc
		api = history.NewClient(cfg.Server.APIBaseURL, history.WithToken(cfg.Server.Token))
		cleanup = func() { _ = rc.Close(context.Background()) }
	default:
		return errors.Errorf("unknown mode %q", flags.mode)
	}
	defer cleanup()

	if err := channel.Status().Connect(ctx); err != nil {
		// Reconnect keeps running in the background; the UI shows the state.
		log.Warn().Err(err).Str("component", "chat_cmd").Msg("starting disconnected")
	}

	conv := chat.Conversation{
		ID:         convID,
		ItemTitle:  flags.itemTitle,
		BuyerID:    userID,
		BuyerName:  userName,
		SellerID:   flags.peerID,
		SellerName: flags.peerName,
	}

	var program *tea.Program
	session := chat.NewSession(api, channel, userID, userName,
		chat.WithPageSize(cfg.Chat.PageSize),
		chat.WithSettleDelay(cfg.Chat.SettleDelay),
		chat.WithTypingExpiry(cfg.Chat.TypingExpiry),
		chat.WithNotify(func() {
			if program != nil {
				program.Send(sessionUpdated{})
			}
		}),
	)
	defer session.Close()

	program = tea.NewProgram(newChatModel(session, conv), tea.WithAltScreen(), tea.WithContext(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := program.Run()
		return err
	})
	g.Go(func() error {
		// Give the TUI a beat to start before activating so the first
		// render already shows the loading state.
		select {
		case <-gctx.Done():
			return nil
		case <-time.After(50 * time.Millisecond):
		}
		return session.Activate(gctx, conv)
	})
	return g.Wait()
}
