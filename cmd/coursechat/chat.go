package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursechat/internal/agent"
	"coursechat/internal/channel"
	"coursechat/internal/domain"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type chatOptions struct {
	course       string
	conversation string
	model        string
	provider     string
	plugin       bool
	temperature  float64
	feed         string
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat for a course",
		Long: `Starts an interactive chat in the terminal. Ctrl+C stops the answer
being streamed; pressed again while idle it exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts)
		},
	}
	cmd.Flags().StringVar(&opts.course, "course", "", "course name (default: general.defaultCourse)")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "resume a stored conversation by id")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model id (default: general.defaultModel)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "provider the routing endpoint should use")
	cmd.Flags().BoolVar(&opts.plugin, "plugin", false, "answer in one non-streaming call")
	cmd.Flags().Float64Var(&opts.temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().StringVar(&opts.feed, "feed", "", "also serve the websocket status feed on this address")
	return cmd
}

func runChat(opts chatOptions) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	name, course, err := a.course(opts.course)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := domain.ModelDescriptor{ID: opts.model, Provider: opts.provider}
	if model.ID == "" {
		model.ID = cfg.General.DefaultModel
	}
	if model.Provider == "" {
		model.Provider = cfg.General.DefaultProvider
	}
	conv, err := a.sessions.GetOrCreate(ctx, opts.conversation, name, model)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Prompt == "" {
		conv.Prompt = course.Prompt
	}
	if opts.temperature > 0 {
		conv.Temperature = opts.temperature
	}

	state := &agent.ChatState{Conversation: conv, DocGroups: course.DocGroups}
	if opts.plugin {
		state.Mode = agent.ModePlugin
	}

	tracker := agent.NewStatusTracker(a.bus, "")
	defer tracker.Close()

	commands := &agent.Commands{Sessions: a.sessions, Status: tracker, Tools: a.catalog}
	if a.engine != nil {
		commands.Local = a.engine
		if a.engine.Known(conv.Model.ID) {
			// start loading while the user types the first question
			if err := a.engine.Load(conv.Model.ID); err != nil {
				logger.Warn("model warm-up failed", "model", conv.Model.ID, "err", err)
			}
		}
	}

	cli := channel.NewCLI(channel.CLIConfig{
		Sender:   a.orch,
		Sessions: a.sessions,
		Commands: commands,
		State:    state,
		Key:      course.APIKey,
		Spinner:  term.IsTerminal(int(os.Stdout.Fd())),
		Logger:   logger,
	})

	if opts.feed != "" {
		hub := channel.NewHub(channel.HubConfig{Bus: a.bus, Stop: a.orch.Stop, Logger: logger})
		defer hub.Close()
		go serveFeed(ctx, opts.feed, cfg.Server.WebsocketPath, hub)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == os.Interrupt {
				if p := tracker.Status().Phase; p != "" && !p.Terminal() {
					a.orch.Stop()
					continue
				}
			}
			cancel()
			return
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cli.Start(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Println()
		return nil
	}
}

// serveFeed exposes the hub so a browser can follow the terminal session.
func serveFeed(ctx context.Context, addr, path string, hub http.Handler) {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Method(http.MethodGet, path, hub)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("status feed started", "addr", addr, "path", path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("status feed stopped", "err", err)
	}
}
