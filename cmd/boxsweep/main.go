package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/boxsweep/boxsweep/internal/announce"
	"github.com/boxsweep/boxsweep/internal/config"
	"github.com/boxsweep/boxsweep/internal/directory"
	"github.com/boxsweep/boxsweep/internal/mailbox"
	"github.com/boxsweep/boxsweep/internal/report"
	"github.com/boxsweep/boxsweep/internal/session"
	"github.com/boxsweep/boxsweep/internal/soap"
	"github.com/boxsweep/boxsweep/internal/sweep"
	"github.com/boxsweep/boxsweep/pkg/telemetry"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("boxsweep/cmd")

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "boxsweep: ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return errors.Wrap(err, "loading .env file")
		}
	}
	return newApp().Run(args)
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "boxsweep",
		Usage:     "search messages across mailboxes and optionally delete what matches",
		ArgsUsage: "[account-list-file ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "admin service `URL`, e.g. https://mail.example.com:7071",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "authuser",
				Usage:    "operator `ACCOUNT` to authenticate as",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "operator password",
				EnvVars:  []string{config.EnvPassword},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "query",
				Usage:    "mailbox search `QUERY`",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "account",
				Usage: "account to sweep, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "account-file",
				Usage: "`FILE` listing accounts to sweep, one per line, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "account to leave untouched, repeatable",
			},
			&cli.StringSliceFlag{
				Name:  "exclude-file",
				Usage: "`FILE` listing accounts to leave untouched, repeatable",
			},
			&cli.StringFlag{
				Name:  "searchdirectory",
				Usage: "directory `FILTER` resolving to accounts to sweep",
			},
			&cli.BoolFlag{
				Name:  "go",
				Usage: "actually delete matched messages",
			},
			&cli.BoolFlag{
				Name:  "noadminauth",
				Usage: "authenticate as a regular account and sweep only its own mailbox",
			},
			&cli.StringFlag{
				Name:  "on-error",
				Value: "raise",
				Usage: "raise or report: what to do after retries exhaust",
			},
			&cli.IntFlag{
				Name:  "debug",
				Usage: "verbosity, 0 to 2",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML tuning `FILE`",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "also write the report as CSV to `FILE`",
			},
		},
		Action: sweepAction,
	}
}

func sweepAction(c *cli.Context) error {
	job, err := buildJob(c)
	if err != nil {
		return err
	}
	mode, err := parseMode(c.String("on-error"))
	if err != nil {
		return err
	}

	var cfg config.Config
	if path := c.String("config"); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return err
		}
		if err = config.Validate(cfg); err != nil {
			return err
		}
	}

	shutdown, telemetryOn, err := telemetry.SetupOTelSDK(c.Context)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "boxsweep: telemetry shutdown: %v\n", err)
		}
	}()

	logger := newLogger(c.Int("debug"), telemetryOn)

	ctx, span := tracer.Start(c.Context, "sweep")
	defer span.End()
	span.SetAttributes(
		attribute.String("sweep.query", job.Query),
		attribute.Bool("sweep.purge", job.Purge),
	)

	client, err := soap.NewClient(
		soap.WithEndpoint(c.String("url")),
		soap.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	rpc, err := soap.NewRetrier(client, logger, soap.WithMode(mode))
	if err != nil {
		return err
	}

	sessions, err := session.NewManager(session.WithRPC(rpc), session.WithLogger(logger))
	if err != nil {
		return err
	}

	dirOpts := []directory.Option{directory.WithRPC(rpc), directory.WithLogger(logger)}
	if cfg.DirectoryPageLimit > 0 {
		dirOpts = append(dirOpts, directory.WithPageLimit(cfg.DirectoryPageLimit))
	}
	searcher, err := directory.NewSearcher(dirOpts...)
	if err != nil {
		return err
	}

	mailOpts := []mailbox.ClientOption{mailbox.WithRPC(rpc), mailbox.WithLogger(logger)}
	if cfg.MailboxPageLimit > 0 {
		mailOpts = append(mailOpts, mailbox.WithPageLimit(cfg.MailboxPageLimit))
	}
	mail, err := mailbox.NewClient(mailOpts...)
	if err != nil {
		return err
	}

	runnerOpts := []sweep.Option{
		sweep.WithSessions(sessions),
		sweep.WithDirectory(searcher),
		sweep.WithMailbox(mail),
		sweep.WithLogger(logger),
	}
	if cfg.Workers > 0 {
		runnerOpts = append(runnerOpts, sweep.WithWorkers(cfg.Workers))
	}
	if config.AnnounceEnabled() {
		runnerOpts = append(runnerOpts, sweep.WithAnnouncer(
			announce.New(announce.WithWebhookURL(config.WebhookURL())),
		))
	}
	runner, err := sweep.NewRunner(runnerOpts...)
	if err != nil {
		return err
	}

	results, err := runner.Run(ctx, job)
	if err != nil {
		return err
	}

	return writeArtifacts(ctx, c.String("out"), results, logger)
}

// buildJob maps parsed flags onto one sweep request and rejects
// combinations the run could not honor.
func buildJob(c *cli.Context) (sweep.Job, error) {
	job := sweep.Job{
		AuthUser:        c.String("authuser"),
		Password:        c.String("password"),
		AdminAuth:       !c.Bool("noadminauth"),
		Query:           c.String("query"),
		DirectoryFilter: c.String("searchdirectory"),
		Accounts:        c.StringSlice("account"),
		AccountFiles:    c.StringSlice("account-file"),
		Excludes:        c.StringSlice("exclude"),
		ExcludeFiles:    c.StringSlice("exclude-file"),
		ListFiles:       c.Args().Slice(),
		Purge:           c.Bool("go"),
	}
	if !job.AdminAuth {
		if len(job.Accounts) > 0 || len(job.AccountFiles) > 0 || len(job.ListFiles) > 0 || job.DirectoryFilter != "" {
			return sweep.Job{}, errors.New("--noadminauth sweeps only the authenticated mailbox and cannot be combined with account selection")
		}
		job.Accounts = []string{job.AuthUser}
	}
	return job, nil
}

func parseMode(value string) (soap.Mode, error) {
	switch value {
	case "raise":
		return soap.Raise, nil
	case "report":
		return soap.Report, nil
	default:
		return soap.Raise, fmt.Errorf("invalid --on-error value %q, want raise or report", value)
	}
}

func levelFor(debug int) slog.Level {
	switch {
	case debug <= 0:
		return slog.LevelWarn
	case debug == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// newLogger builds the run logger: text on stderr, plus the
// OpenTelemetry bridge when the pipeline is up.
func newLogger(debug int, telemetryOn bool) *slog.Logger {
	text := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelFor(debug)})
	if !telemetryOn {
		return slog.New(text)
	}
	return slog.New(fanoutHandler{handlers: []slog.Handler{text, otelslog.NewHandler("boxsweep")}})
}

// fanoutHandler sends each record to every wrapped handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	var err error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, rec.Level) {
			if herr := hh.Handle(ctx, rec.Clone()); herr != nil {
				err = herr
			}
		}
	}
	return err
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

func writeArtifacts(ctx context.Context, path string, results sweep.Results, logger *slog.Logger) error {
	if path != "" {
		if err := writeCSVFile(path, results); err != nil {
			return err
		}
		logger.InfoContext(ctx, "report written", slog.String("path", path))
	}

	if !config.ArchiveEnabled() {
		return nil
	}
	env, err := config.S3FromEnv()
	if err != nil {
		return err
	}
	archiver, err := report.NewArchiver(env, logger)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, results); err != nil {
		return err
	}
	key := fmt.Sprintf("boxsweep/%s-report.csv", time.Now().UTC().Format("20060102T150405Z"))
	_, err = archiver.Archive(ctx, key, &buf)
	return err
}

func writeCSVFile(path string, results sweep.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating report %s", path)
	}
	if err := report.WriteCSV(f, results); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing report %s", path)
	}
	return errors.Wrapf(f.Close(), "writing report %s", path)
}
