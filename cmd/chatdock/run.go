package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foundersbase/chatdock/internal/chat"
	"github.com/foundersbase/chatdock/internal/dock"
	"github.com/foundersbase/chatdock/internal/live"
	"github.com/foundersbase/chatdock/internal/transport"
	"github.com/foundersbase/chatdock/internal/uistate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive dock",
	Long: `Start the interactive dock.

Plain lines are sent to the active conversation. Commands:
  /open <user>     open the dock on a conversation with user
  /select <user>   switch the active conversation
  /close           collapse the dock (stops polling)
  /list [filter]   show conversations
  /history         show the active thread
  /search <query>  look up users
  /quit            leave`,
	RunE: runDock,
}

func runDock(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := newAPI()
	self, err := resolveSelf(ctx, api)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("self", string(self)))

	dialer, err := live.NewDialer(cfg.BrokerURL, live.Options{
		Self:      self,
		Heartbeat: cfg.Heartbeat,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// one live channel per session, shared by everything below
	tr := transport.New(api, dialer, transport.Options{
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		MaxReconnects:     cfg.MaxReconnects,
		Logger:            logger,
	})
	defer tr.Close()

	store, closeStore, err := uistate.Open(ctx, uistate.Options{
		Backend:       cfg.StateBackend,
		DSN:           cfg.StateDSN,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Self:          self,
	})
	if err != nil {
		logger.Warn("ui state store unavailable, keeping state in memory", zap.Error(err))
		store = uistate.NewMemory()
	}
	defer func() { _ = closeStore() }()

	m := dock.New(api, tr, store, dock.Options{
		Self:         self,
		AckTimeout:   cfg.AckTimeout,
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
		Logger:       logger,
	})
	defer m.Close()

	searcher := dock.NewSearcher(api, cfg.SearchDebounce, logger)
	defer searcher.Close()

	if err := m.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ui := newScreen(out, m)
	ui.header()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-m.Events():
				ui.event(ev)
			case r := <-searcher.Results():
				ui.searchResult(r)
			}
		}
	})

	lines := readLines(cmd.InOrStdin())
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(ctx, g, m, searcher, ui, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("quit")

// readLines feeds stdin to a channel. The goroutine ends with the input.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func handleLine(ctx context.Context, g *errgroup.Group, m *dock.Manager, s *dock.Searcher, ui *screen, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		g.Go(func() error {
			if err := m.Send(ctx, line); err != nil && !errors.Is(err, dock.ErrNotDelivered) {
				ui.errorf("send: %v", err)
			}
			return nil
		})
		return nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "q":
		return errQuit
	case "open":
		if !m.Bus().OpenChat(arg) {
			ui.errorf("usage: /open <user>")
		}
	case "select":
		peer, err := chat.ParseUsername(arg)
		if err != nil {
			ui.errorf("usage: /select <user>")
			return nil
		}
		m.Select(ctx, peer)
		ui.thread(peer)
	case "close":
		m.SetOpen(false)
		ui.infof("dock closed")
	case "list":
		ui.conversations(m.Filter(arg))
	case "history":
		ui.thread(m.Active())
	case "search":
		s.Query(arg)
	default:
		ui.errorf("unknown command /%s", name)
	}
	return nil
}
