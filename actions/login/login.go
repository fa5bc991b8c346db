package login

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
	"github.com/PiotrWarzachowski/go-instalive/internal/config"
	"github.com/PiotrWarzachowski/go-instalive/internal/log"
	"github.com/PiotrWarzachowski/go-instalive/providers"
)

// LoginCommand is the CLI command for Instagram login
var LoginCommand = newLoginCommand()

// readPassword is replaced in tests.
var readPassword = promptPassword

func newLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Login to your Instagram account, resuming the saved session when possible",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "Instagram username, overrides the configuration file",
			},
			&cli.StringFlag{
				Name:    "password",
				Aliases: []string{"p"},
				Usage:   "Instagram password (not recommended, use interactive prompt)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Show debug output and the raw error response of a failed login",
			},
		},
		Action: loginAction,
	}
}

var LogoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "Logout from your Instagram account and delete the saved session",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "username",
			Aliases: []string{"u"},
			Usage:   "Instagram username, defaults to the configured one",
		},
	},
	Action: logoutAction,
}

var StatusCommand = &cli.Command{
	Name:   "status",
	Usage:  "List saved sessions and when they expire",
	Action: statusAction,
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	logger := log.Default()

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	if username := cmd.String("username"); username != "" {
		cfg = cfg.WithLoginOverride(username, cmd.String("password"))
	}
	if cfg.Username == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		username, err := promptInput("Username: ")
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
		cfg.Username = username
	}
	if cfg.Username == "" {
		return cli.Exit("No username given: set username in "+cfg.Path()+" or pass -u.", 1)
	}
	if cfg.Password == "" {
		password, err := readPassword(fmt.Sprintf("Password for %s: ", cfg.Username))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		cfg.Password = password
	}

	if cmd.Bool("verbose") || cfg.Verbose {
		cfg.Verbose = true
		logger.SetVerbose(true)
	}

	provider, err := providers.NewSessionProvider(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var session auth.Session
	withSpinner(logger, "Logging in as "+cfg.Username, func() {
		session = provider.Authenticate(ctx)
	})
	if session == nil {
		return cli.Exit("", 1)
	}

	logger.Debug("Session stored in %s", provider.Store().PathFor(cfg.Username))
	return nil
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	logger := log.Default()

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	username := cmd.String("username")
	if username == "" {
		username = cfg.Username
	}
	if username == "" {
		return cli.Exit("No username given: set username in "+cfg.Path()+" or pass -u.", 1)
	}

	provider, err := providers.NewSessionProvider(cfg, logger)
	if err != nil {
		return err
	}
	store := provider.Store()

	if !store.Exists(username) {
		logger.Info("Not currently logged in as %s", username)
		return nil
	}

	client, err := provider.Resume(ctx, username)
	if err != nil {
		logger.Warn("Could not restore the session for %s: %v", username, err)
	} else if err := client.Logout(ctx); err != nil {
		logger.Warn("API logout failed: %v", err)
	}

	if err := store.Delete(username); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	logger.Info("Successfully logged out from %s", username)
	logger.Separator()
	return nil
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	logger := log.Default()

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	provider, err := providers.NewSessionProvider(cfg, logger)
	if err != nil {
		return err
	}

	statuses, err := provider.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sessions: %w", err)
	}

	if len(statuses) == 0 {
		logger.Info("No saved sessions in %s", provider.Store().GetBasePath())
		logger.Info("Use 'go-instalive login' to authenticate")
		return nil
	}

	for _, st := range statuses {
		if st.Err != nil {
			logger.Warn("%s: %s (%v)", st.Username, auth.Classify(st.Err), st.Err)
			continue
		}

		expiry := "unknown"
		if !st.Expiry.IsZero() {
			expiry = fmt.Sprintf("%s (%s)", st.Expiry.Local().Format("2006-01-02 at 03:04:05 PM"), humanize.Time(st.Expiry))
		}
		logger.Info("%s: device %s, expires %s", st.Username, st.DeviceID, expiry)
	}

	logger.Separator()
	logger.Plain("Storage: %s", provider.Store().GetBasePath())
	return nil
}
