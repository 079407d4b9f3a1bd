// Package main is the entrypoint for the fleetcheck client CLI and daemon.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/app"
	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/httpclient"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/settings"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// errNotLoggedIn is returned by commands that need a session.
var errNotLoggedIn = errors.New("not logged in, run 'fleetcheck login' first")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "fleetcheck",
		Short: "Fleet safety inspection client",
		Long: `fleetcheck submits truck and trailer inspections to the fleet endpoint,
keeps them queued while offline and follows notifications.

Run 'fleetcheck config set-endpoint <url>' and then 'fleetcheck login' to get started.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.fleetcheck/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(g),
		newLoginCmd(g),
		newLogoutCmd(g),
		newStatusCmd(g),
		newSubmitCmd(g),
		newQueueCmd(g),
		newNotificationsCmd(g),
		newHistoryCmd(g),
		newStartCmd(g),
	)
	return rootCmd
}

// open loads the configuration and builds the app. One-shot commands log
// warnings only unless --verbose is set.
func (g *globals) open(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	if g.verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}
	return app.New(ctx, cfg, Version, logger)
}

// openSession opens the app and restores the signed-in user.
func (g *globals) openSession(ctx context.Context) (*app.App, *models.User, error) {
	a, err := g.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	user, err := a.Restore(ctx)
	if err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("restore session: %w", err)
	}
	if user == nil {
		reason, expired := a.Guard.ConsumeExpiry()
		a.Close()
		if expired {
			return nil, nil, fmt.Errorf("session expired (%s), run 'fleetcheck login' again", reason)
		}
		return nil, nil, errNotLoggedIn
	}
	a.Guard.Touch(ctx)
	return a, user, nil
}

func (g *globals) configFile() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.DefaultConfigPath()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetcheck %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client configuration",
	}
	cmd.AddCommand(newConfigShowCmd(g), newConfigSetEndpointCmd(g))
	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(g.configPath)
			if err != nil {
				return err
			}
			path, _ := g.configFile()
			dataDir, _ := cfg.ResolveDataDir()

			fmt.Printf("Config file:   %s\n", path)
			fmt.Printf("Endpoint:      %s\n", valueOr(cfg.EndpointURL, "(not set)"))
			fmt.Printf("Environment:   %s\n", cfg.Environment.Normalize())
			fmt.Printf("Data dir:      %s\n", dataDir)
			fmt.Printf("Store:         %s\n", cfg.Store.Backend)
			fmt.Printf("Listen addr:   %s\n", cfg.API.ListenAddr)
			fmt.Printf("Idle timeout:  %s\n", cfg.Session.IdleTimeout)
			fmt.Printf("Max session:   %s\n", cfg.Session.MaxDuration)
			fmt.Printf("Proxy:         %s\n", httpclient.ProxyInfo(&cfg.Proxy))
			if cfg.Push.WebhookURL != "" {
				fmt.Printf("Push webhook:  %s\n", cfg.Push.WebhookURL)
			}
			return nil
		},
	}
}

func newConfigSetEndpointCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-endpoint <url>",
		Short: "Set the inspection endpoint URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := strings.TrimSuffix(strings.TrimSpace(args[0]), "/")
			if endpoint == "" {
				return errors.New("endpoint URL cannot be empty")
			}
			if err := settings.ValidateURL(endpoint); err != nil {
				return err
			}

			path, err := g.configFile()
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.EndpointURL = endpoint
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			ctx := cmd.Context()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Settings.SetEndpoint(ctx, endpoint); err != nil {
				return err
			}

			fmt.Printf("Endpoint set to %s\n", endpoint)
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := a.Remote.Ping(pingCtx); err != nil {
				fmt.Printf("Warning: endpoint not reachable right now: %v\n", err)
			}
			return nil
		},
	}
}

func newLoginCmd(g *globals) *cobra.Command {
	var (
		username   string
		remember   bool
		remembered bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the endpoint",
		Long: `Sign in with your fleet account. The password is read from the terminal
without echo. With --remembered the credentials saved by an earlier
'login --remember' are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			savedUser, savedPass, haveSaved := a.Credentials.Recall(ctx)
			var password string
			switch {
			case remembered:
				if !haveSaved {
					return errors.New("no remembered credentials on this device")
				}
				username, password, remember = savedUser, savedPass, true
			default:
				if username == "" {
					username, err = promptLine("Username", savedUser)
					if err != nil {
						return err
					}
				}
				password, err = promptPassword("Password: ")
				if err != nil {
					return err
				}
			}
			if strings.TrimSpace(username) == "" || password == "" {
				return errors.New("username and password are required")
			}

			user, err := a.Login(ctx, username, password, remember)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			fmt.Printf("Logged in as %s (%s)\n", valueOr(user.Name, user.Username), user.Role)
			if user.Preferences.MustChangePassword {
				fmt.Println("Your password must be changed before continuing.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username (email)")
	cmd.Flags().BoolVar(&remember, "remember", false, "remember the credentials on this device")
	cmd.Flags().BoolVar(&remembered, "remembered", false, "log in with remembered credentials")
	return cmd
}

func newLogoutCmd(g *globals) *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.Restore(ctx); err != nil {
				return err
			}
			if err := a.Logout(ctx); err != nil {
				return err
			}
			if forget {
				if err := a.Credentials.Forget(ctx); err != nil {
					return err
				}
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&forget, "forget", false, "also forget remembered credentials")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, queue and endpoint status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.Restore(ctx)
			if err != nil {
				return err
			}

			local := a.Settings.Local()
			fmt.Printf("Endpoint:      %s\n", valueOr(local.EndpointURL, "(not set)"))
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			pingErr := a.Remote.Ping(pingCtx)
			cancel()
			if pingErr != nil {
				fmt.Printf("Connection:    offline (%v)\n", pingErr)
			} else {
				fmt.Println("Connection:    online")
			}

			if info := a.Guard.Info(); user != nil && info != nil {
				fmt.Printf("User:          %s (%s)\n", user.Username, user.Role)
				fmt.Printf("Idle expiry:   %s\n", info.IdleExpires.Format(time.RFC3339))
				fmt.Printf("Max expiry:    %s\n", info.MaxExpires.Format(time.RFC3339))
			} else {
				fmt.Println("User:          (not logged in)")
			}

			status, err := a.Queue.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Queued:        %d\n", status.Pending)
			if status.OldestQueuedAt != nil {
				fmt.Printf("Oldest queued: %s\n", status.OldestQueuedAt.Format(time.RFC3339))
			}

			sub := a.Subscription.State()
			if sub.Known {
				fmt.Printf("Subscription:  %s", sub.Status)
				if sub.ExpiryDate != "" {
					fmt.Printf(" until %s (%d days)", sub.ExpiryDate, sub.DaysRemaining)
				}
				fmt.Println()
				if sub.NeedsWarning() {
					fmt.Println("               renew soon")
				}
			}
			fmt.Printf("Company:       %s\n", local.System.CompanyName)
			if local.System.MaintenanceMode {
				fmt.Printf("Maintenance:   on %s\n", local.System.MaintenanceMessage)
			}
			return nil
		},
	}
}

func newStartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the background daemon and local API",
		Long: `Run the client daemon. It polls notifications, settings and the
subscription, resends the offline queue when the endpoint comes back, and
serves the local API and push feed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(g.configPath)
			if err != nil {
				return err
			}
			if g.verbose {
				cfg.LogLevel = "debug"
			}
			logger := app.NewLogger(cfg, os.Stderr, Version)
			logger.Info().
				Str("commit", Commit).
				Str("build_date", BuildDate).
				Msg("starting fleetcheck daemon")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, Version, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !cfg.IsConfigured() && a.Settings.Local().EndpointURL == "" {
				logger.Warn().Msg("no endpoint configured, submissions will be refused until one is set")
			}
			return a.Run(ctx)
		},
	}
}

// promptLine reads one line from stdin, returning def for an empty answer.
func promptLine(label, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
