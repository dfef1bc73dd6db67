package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"trisync/internal/caldav"
	"trisync/internal/config"
	"trisync/internal/google"
	"trisync/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "trisync",
		Usage: "Keep two or three calendars consistent by mirroring events between them.",
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the calendar ids visible to each authenticated Google account.",
		Action: func(c *cli.Context) error {
			logger := setupLogger(logLevel())

			accounts, err := google.GetTokenAccounts()
			if err != nil {
				return fmt.Errorf("could not find any google accounts, did you run auth? %w", err)
			}
			if len(accounts) == 0 {
				return fmt.Errorf("no google accounts found. Run the 'auth' command first")
			}

			for _, acc := range accounts {
				client, err := google.NewClient(c.Context, logger, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), acc)
				if err != nil {
					return fmt.Errorf("failed to create google client for account %s: %w", acc, err)
				}
				ids, err := client.DiscoverCalendars(c.Context)
				if err != nil {
					return fmt.Errorf("failed to list calendars for account %s: %w", acc, err)
				}
				fmt.Printf("%s:\n", acc)
				for _, id := range ids {
					fmt.Printf("  %s\n", id)
				}
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar reconciliation pass.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "Path to the configuration file."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log the plan without making changes."},
			&cli.StringFlag{Name: "cron", Usage: "Cron expression to run passes on a schedule (e.g. '*/15 * * * *'). Runs once and exits when unset."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(logLevel())

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			calendars, err := buildCalendars(c.Context, logger, cfg)
			if err != nil {
				return err
			}

			s := syncer.New(logger, calendars, cfg, c.Bool("dry-run"))

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if expr := c.String("cron"); expr != "" {
				return runScheduled(ctx, logger, s, expr)
			}

			logger.Info("Running a single reconciliation pass.")
			if _, err := s.Run(ctx); err != nil {
				return fmt.Errorf("reconciliation pass failed: %w", err)
			}
			return nil
		},
	}
}

// runScheduled runs passes on the given cron schedule until interrupted.
// A failed pass is logged and retried at the next tick.
func runScheduled(ctx context.Context, logger *slog.Logger, s *syncer.Syncer, expr string) error {
	sched := cron.New()
	_, err := sched.AddFunc(expr, func() {
		if _, err := s.Run(ctx); err != nil {
			logger.Error("Reconciliation pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	logger.Info("Starting scheduler.", "cron", expr)
	sched.Start()
	<-ctx.Done()
	logger.Info("Shutting down scheduler.")
	<-sched.Stop().Done()
	return nil
}

// buildCalendars binds every configured calendar to a provider client.
// Google clients are shared per account; CalDAV clients per server account
// from the environment.
func buildCalendars(ctx context.Context, logger *slog.Logger, cfg *config.Config) ([]syncer.Calendar, error) {
	googleClients := make(map[string]*google.CalendarClient)
	var caldavClient *caldav.Client

	var calendars []syncer.Calendar
	for _, cal := range cfg.Calendars {
		var provider syncer.Provider

		switch cal.Provider {
		case "google":
			client, ok := googleClients[cal.Account]
			if !ok {
				var err error
				client, err = google.NewClient(ctx, logger, os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), cal.Account)
				if err != nil {
					return nil, fmt.Errorf("failed to create google client for account %s: %w", cal.Account, err)
				}
				googleClients[cal.Account] = client
			}
			provider = client
		case "caldav":
			if caldavClient == nil {
				var err error
				caldavClient, err = caldav.NewClient(logger, os.Getenv("CALDAV_ENDPOINT"), os.Getenv("CALDAV_USERNAME"), os.Getenv("CALDAV_PASSWORD"))
				if err != nil {
					return nil, fmt.Errorf("failed to create caldav client: %w", err)
				}
			}
			provider = caldavClient
		default:
			return nil, fmt.Errorf("calendar %q: unknown provider %q", cal.Name, cal.Provider)
		}

		calendars = append(calendars, syncer.Calendar{
			Name:       cal.Name,
			ID:         cal.CalendarID,
			Tag:        cal.Tag,
			Targets:    cal.Targets,
			Visibility: cfg.CopyVisibilityFor(cal.Name),
			Provider:   provider,
		})
	}
	return calendars, nil
}

func logLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	return level
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
