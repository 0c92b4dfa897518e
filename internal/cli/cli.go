package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/llm"
	"parley/internal/logging"
	"parley/internal/registry"
	"parley/internal/session"
	"parley/internal/styles"
	"parley/internal/ui"
)

type rootOptions struct {
	configPath string
	model      string
}

// app holds what every command needs once the config is read.
type app struct {
	cfg    config.LaunchConfig
	logger *slog.Logger
	closer io.Closer
}

func loadApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, closer: closer}, nil
}

func (a *app) Close() error {
	return a.closer.Close()
}

func (a *app) openStore() (db.Store, error) {
	store, err := db.Open(a.cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "opening chat history")
	}
	return store, nil
}

// NewRootCmd builds the command tree. Without a subcommand parley opens the
// chat UI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "Chat with LLMs from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(opts, "")
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is the parley config directory)")
	cmd.PersistentFlags().StringVarP(&opts.model, "model", "m", "", "model to chat with, overriding default_model")

	cmd.AddCommand(
		newChatCmd(opts),
		newListCmd(opts),
		newRenameCmd(opts),
		newArchiveCmd(opts),
		newResetCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Open the chat UI and send MESSAGE right away",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(opts, strings.Join(args, " "))
		},
	}
}

func runTUI(opts *rootOptions, firstMessage string) error {
	a, err := loadApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	log := logging.Module(a.logger, "cli")

	applyTheme(a.cfg.Theme, log)

	reg := registry.New(a.cfg.ModelReferences())
	modelKey := a.cfg.DefaultModel
	if opts.model != "" {
		ref, err := reg.Lookup(opts.model)
		if err != nil {
			return err
		}
		modelKey = ref.LookupKey()
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	presenter := ui.NewPresenter(ui.DefaultFragmentRate)
	ctrl := session.New(session.Options{
		Store:     store,
		Streamer:  llm.NewClient(llm.WithLogger(a.logger)),
		Registry:  reg,
		Tokenizer: llm.NewTiktoken(),
		Presenter: presenter,
		Settings: session.Settings{
			ModelKey:              modelKey,
			SystemPrompt:          a.cfg.SystemPrompt,
			PreserveSystemMessage: a.cfg.PreserveSystemMessage,
		},
		Logger: a.logger,
	})
	defer ctrl.Cancel()

	m := ui.New(ui.Options{
		Session:      ctrl,
		History:      store,
		Models:       reg.All(),
		CodeTheme:    a.cfg.MessageCodeTheme,
		FirstMessage: firstMessage,
		Logger:       a.logger,
	})
	log.Info("starting", slog.String("model", modelKey), slog.String("storage", a.cfg.Storage.Driver))
	if _, err := ui.NewProgram(m, presenter).Run(); err != nil {
		return errors.Wrap(err, "running chat UI")
	}
	return nil
}

// applyTheme selects the named theme, falling back to the default one.
func applyTheme(name string, log *slog.Logger) {
	dir, err := config.ThemeDir()
	if err != nil {
		log.Warn("locating theme directory", slog.Any("error", err))
	}
	themes, err := styles.Themes(dir)
	if err != nil {
		log.Warn("loading user themes", slog.Any("error", err))
	}
	t, ok := themes[name]
	if !ok {
		log.Warn("unknown theme", slog.String("theme", name), slog.Any("available", styles.ThemeNames(themes)))
		t = themes[styles.DefaultTheme]
	}
	styles.Use(t)
}
