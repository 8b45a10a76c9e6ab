// Command moniagent captures expenses from chat messages on the command line.
//
// A capture that asks for confirmation is checkpointed in the configured
// session store, so "say" and "reply" can run as separate invocations:
//
//	moniagent say --session s1 "Coffee at Starbucks $25"
//	moniagent reply --session s1 "change amount to 30"
//	moniagent reply --session s1 ok
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/huytu0702/moniagent-sub000/capture"
	"github.com/huytu0702/moniagent-sub000/config"
	"github.com/huytu0702/moniagent-sub000/logging"
	"github.com/huytu0702/moniagent-sub000/normalize"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	in  io.Reader
	out io.Writer

	configPath string
	logLevel   string
	tracing    bool

	newLogger func(level string) (*zap.Logger, error)
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, newLogger: logging.New}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "moniagent",
		Short:        "Capture expenses from chat messages",
		SilenceUsage: true,
	}
	root.SetOut(c.out)
	root.SetIn(c.in)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level, overrides the configured one")
	root.PersistentFlags().BoolVar(&c.tracing, "trace", false, "Record workflow spans and log them at debug level")

	root.AddCommand(c.sayCmd(), c.replyCmd(), c.retryCmd(), c.closeCmd(), c.pendingCmd(), c.chatCmd())
	return root
}

// withApp loads config, builds the app, runs fn and closes the app.
func (c *cli) withApp(ctx context.Context, fn func(*app) error) (err error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logger.Level = c.logLevel
	}

	logger, err := c.newLogger(cfg.Logger.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, c.tracing)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

func (c *cli) sayCmd() *cobra.Command {
	var sessionID, userID, imagePath string

	cmd := &cobra.Command{
		Use:   "say [message]",
		Short: "Send a new expense message",
		Long:  `The say command starts a capture from a text message, a receipt image or both. When --session is empty a new session id is generated and printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := capture.Input{
				SessionID: sessionID,
				UserID:    userID,
				Text:      strings.Join(args, " "),
				Kind:      capture.KindText,
			}
			if imagePath != "" {
				img, err := readImage(imagePath)
				if err != nil {
					return err
				}
				in.Kind = capture.KindImage
				in.Image = img
			}
			if in.Text == "" && in.Image == nil {
				return errors.New("a message or --image is required")
			}
			if in.SessionID == "" {
				in.SessionID = uuid.NewString()
				fmt.Fprintf(c.out, "session: %s\n", in.SessionID)
			}

			return c.withApp(cmd.Context(), func(a *app) error {
				out, err := a.service.Run(cmd.Context(), in)
				return c.report(out, err)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id")
	cmd.Flags().StringVar(&imagePath, "image", "", "Path to a receipt image")
	return cmd
}

func (c *cli) replyCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "reply [answer]",
		Short: "Answer a pending confirmation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				out, err := a.service.Resume(cmd.Context(), sessionID, strings.Join(args, " "))
				return c.report(out, err)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry saving an expense whose commit failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				out, err := a.service.Retry(cmd.Context(), sessionID)
				return c.report(out, err)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (c *cli) closeCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "close",
		Short: "Forget a session and any pending confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if err := a.service.Close(cmd.Context(), sessionID); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "Session closed.")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (c *cli) pendingCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Show the expense awaiting confirmation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				p, ok, err := a.service.Pending(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(c.out, "Nothing is waiting for confirmation.")
					return nil
				}
				fmt.Fprintf(c.out, "%s %s on %s", p.MerchantName, normalize.FormatAmount(p.Amount), p.DisplayDate)
				if p.CategoryName != "" {
					fmt.Fprintf(c.out, " (%s)", p.CategoryName)
				}
				fmt.Fprintln(c.out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (c *cli) chatCmd() *cobra.Command {
	var sessionID, userID, metricsAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Capture expenses interactively",
		Long: `The chat command reads one message per line. A line answers the pending confirmation when there is one and starts a new capture otherwise.
"/retry" retries a failed save, "/close" forgets the session and "/quit" exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				if metricsAddr != "" {
					stop := serveMetrics(a, metricsAddr)
					defer stop()
				}
				return c.chat(cmd.Context(), a, sessionID, userID)
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while chatting")
	return cmd
}

func (c *cli) chat(ctx context.Context, a *app, sessionID, userID string) error {
	scanner := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		var (
			out capture.Outcome
			err error
		)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/close":
			if err := a.service.Close(ctx, sessionID); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Session closed.")
			continue
		case "/retry":
			out, err = a.service.Retry(ctx, sessionID)
		default:
			_, pending, perr := a.service.Pending(ctx, sessionID)
			if perr != nil {
				return perr
			}
			if pending {
				out, err = a.service.Resume(ctx, sessionID, line)
			} else {
				out, err = a.service.Run(ctx, capture.Input{SessionID: sessionID, UserID: userID, Text: line})
			}
		}

		var pe *capture.PersistenceError
		if err := c.report(out, err); err != nil && !errors.As(err, &pe) {
			return err
		}
	}
}

// report prints an outcome. Conditions the user is told about in the
// response text are not command errors.
func (c *cli) report(out capture.Outcome, err error) error {
	if out.ResponseText != "" {
		fmt.Fprintln(c.out, out.ResponseText)
	}
	switch {
	case err == nil,
		errors.Is(err, capture.ErrSessionSuspended),
		errors.Is(err, capture.ErrNoPendingConfirmation),
		errors.Is(err, capture.ErrNothingToRetry):
		return nil
	}
	return err
}

func serveMetrics(a *app, addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func readImage(path string) (*capture.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return &capture.Attachment{MIMEType: mime, Data: data}, nil
}
