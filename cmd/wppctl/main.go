package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/wppcache/internal/chat"
	"github.com/matheus3301/wppcache/internal/config"
	"github.com/matheus3301/wppcache/internal/lock"
	"github.com/matheus3301/wppcache/internal/logging"
	"github.com/matheus3301/wppcache/internal/rpc"
	"github.com/matheus3301/wppcache/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	session  string
	user     string
	json     bool
	timeout  time.Duration
	logLevel string
}

var flags globalFlags

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wppctl",
		Short:         "Command line client for a wppd session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.session, "session", "", "session name (overrides config default)")
	pf.StringVar(&flags.user, "user", "", "local user id (overrides config user_id)")
	pf.BoolVar(&flags.json, "json", false, "output in JSON format")
	pf.DurationVar(&flags.timeout, "timeout", 10*time.Second, "deadline for one-shot commands")
	pf.StringVar(&flags.logLevel, "log-level", "warn", "client log level")

	root.AddCommand(
		newStatusCmd(),
		newConversationsCmd(),
		newStartCmd(),
		newHistoryCmd(),
		newSendCmd(),
		newUploadCmd(),
		newEditCmd(),
		newDeleteCmd(),
		newReactCmd(),
		newPinCmd(),
		newReadCmd(),
		newWatchCmd(),
		newSearchCmd(),
	)
	return root
}

// env is everything a command needs to talk to the daemon.
type env struct {
	cfg    *config.Config
	paths  session.Paths
	logger *zap.Logger
	rpc    *rpc.Client
	chat   *chat.Client
}

// dial connects to the session daemon and checks it is serving.
func dial(ctx context.Context) (*env, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	name := session.Resolve(flags.session, cfg)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	logger, err := logging.NewConsole(flags.logLevel)
	if err != nil {
		return nil, err
	}
	paths := session.For(name)

	client, err := rpc.Dial(paths.SocketPath(), logger.Named("rpc"))
	if err != nil {
		return nil, err
	}
	if err := client.Health(ctx); err != nil {
		_ = client.Close()
		return nil, unreachable(name, paths, err)
	}
	return &env{cfg: cfg, paths: paths, logger: logger, rpc: client}, nil
}

// unreachable explains a failed health check using the session lock.
func unreachable(name string, paths session.Paths, err error) error {
	owner, held, lockErr := lock.Holder(paths.LockPath())
	switch {
	case lockErr != nil:
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	case held:
		return fmt.Errorf("daemon for session %q (PID %d) is not answering: %w", name, owner.PID, err)
	default:
		return fmt.Errorf("no daemon running for session %q; start it with: wppd --session %s", name, name)
	}
}

// open dials the daemon and starts a chat client. When conversationID is
// set it becomes the active conversation. open returns once the initial
// snapshots are cached.
func open(ctx context.Context, conversationID string) (*env, error) {
	e, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	userID := flags.user
	if userID == "" {
		userID = e.cfg.UserID
	}
	if userID == "" {
		e.close(ctx)
		return nil, errors.New("no user id: pass --user or set user_id in config.toml")
	}
	if err := session.ValidateUserID(userID); err != nil {
		e.close(ctx)
		return nil, err
	}

	c, err := chat.New(e.rpc, chat.Options{
		UserID:           userID,
		Retention:        e.cfg.Retention(),
		ReceiptBatchSize: e.cfg.Receipts.BatchSize,
		ReceiptDebounce:  e.cfg.Receipts.Debounce.Duration,
	}, e.logger.Named("chat"))
	if err != nil {
		e.close(ctx)
		return nil, err
	}
	e.chat = c

	if err := c.Start(); err != nil {
		e.close(ctx)
		return nil, err
	}
	if conversationID != "" {
		if err := c.SetActiveConversation(conversationID); err != nil {
			e.close(ctx)
			return nil, err
		}
	}
	if err := c.WaitLoaded(ctx); err != nil {
		e.close(ctx)
		return nil, fmt.Errorf("load cache: %w", err)
	}
	return e, nil
}

// close flushes the chat client and drops the connection.
func (e *env) close(ctx context.Context) {
	if e.chat != nil {
		if err := e.chat.Close(ctx); err != nil {
			e.logger.Warn("chat client close", zap.Error(err))
		}
	}
	_ = e.rpc.Close()
	_ = e.logger.Sync()
}

// oneShot returns a context bounded by --timeout.
func oneShot(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), flags.timeout)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
