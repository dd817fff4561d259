// Package sweep drives a full run: authenticate, resolve the account
// set, search every mailbox, report, and optionally delete what
// matched.
package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/boxsweep/boxsweep/internal/accounts"
	"github.com/boxsweep/boxsweep/internal/announce"
	"github.com/boxsweep/boxsweep/internal/mailbox"
	"github.com/boxsweep/boxsweep/internal/report"
	"github.com/boxsweep/boxsweep/internal/session"
	"github.com/boxsweep/boxsweep/internal/soap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Results maps each searched account to its matched messages, in
// discovery order.
type Results map[string][]mailbox.MessageRecord

// Total counts matched messages across all accounts.
func (r Results) Total() int {
	n := 0
	for _, records := range r {
		n += len(records)
	}
	return n
}

// Sessions produces auth contexts for the run and for each account.
type Sessions interface {
	AuthenticateDirect(ctx context.Context, user, password string, asAdmin bool) (*session.AuthContext, error)
	HeaderForAccount(ctx context.Context, account string) (*session.AuthContext, error)
}

// Directory resolves a directory filter into account addresses.
type Directory interface {
	Search(ctx context.Context, admin *soap.Context, filter string) ([]string, error)
}

// Mailbox searches and deletes messages in one mailbox at a time.
type Mailbox interface {
	Search(ctx context.Context, hdr *soap.Context, query string) ([]mailbox.MessageRecord, error)
	Delete(ctx context.Context, hdr *soap.Context, ids []string) (bool, error)
}

// Announcer posts the run summary somewhere operators watch.
type Announcer interface {
	Announce(ctx context.Context, summary announce.Summary) error
}

// Job is one sweep request as resolved from the command line.
type Job struct {
	AuthUser        string
	Password        string
	AdminAuth       bool
	Query           string
	DirectoryFilter string
	Accounts        []string
	AccountFiles    []string
	Excludes        []string
	ExcludeFiles    []string
	ListFiles       []string
	Purge           bool
}

type Runner struct {
	sessions  Sessions
	directory Directory
	mail      Mailbox
	announcer Announcer
	logger    *slog.Logger
	out       io.Writer
	workers   int
	tracer    trace.Tracer
	matched   metric.Int64Counter
	deleted   metric.Int64Counter
}

type Option func(*Runner)

func WithSessions(s Sessions) Option {
	return func(r *Runner) { r.sessions = s }
}

func WithDirectory(d Directory) Option {
	return func(r *Runner) { r.directory = d }
}

func WithMailbox(m Mailbox) Option {
	return func(r *Runner) { r.mail = m }
}

func WithAnnouncer(a Announcer) Option {
	return func(r *Runner) { r.announcer = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithOutput redirects the report, which otherwise goes to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) { r.out = w }
}

// WithWorkers bounds how many accounts are searched at once. One
// worker reproduces the strictly sequential behavior.
func WithWorkers(n int) Option {
	return func(r *Runner) { r.workers = n }
}

func NewRunner(opts ...Option) (*Runner, error) {
	r := &Runner{out: os.Stdout, workers: 1}
	for _, opt := range opts {
		opt(r)
	}
	if r.sessions == nil {
		return nil, errors.New("requires sessions")
	}
	if r.mail == nil {
		return nil, errors.New("requires mailbox")
	}
	if r.logger == nil {
		return nil, errors.New("requires logger")
	}
	if r.workers < 1 {
		return nil, errors.New("requires at least one worker")
	}

	r.tracer = otel.Tracer("boxsweep/sweep")
	meter := otel.Meter("boxsweep/sweep")
	var err error
	if r.matched, err = meter.Int64Counter("boxsweep.messages.matched",
		metric.WithDescription("Messages matched by sweep searches"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	if r.deleted, err = meter.Int64Counter("boxsweep.messages.deleted",
		metric.WithDescription("Messages removed by sweep deletions"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

// Run executes one sweep end to end and returns the matched messages
// per account. Any error aborts the whole run; there is no
// partial-success continuation.
func (r *Runner) Run(ctx context.Context, job Job) (Results, error) {
	start := time.Now()

	admin, err := r.sessions.AuthenticateDirect(ctx, job.AuthUser, job.Password, job.AdminAuth)
	if err != nil {
		return nil, err
	}

	targets, excluded, err := r.resolveAccounts(ctx, job, admin)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "account set resolved",
		slog.Int("accounts", len(targets)),
		slog.Int("excluded", excluded),
	)

	results, err := r.searchAll(ctx, targets, job.Query)
	if err != nil {
		return nil, err
	}
	r.matched.Add(ctx, int64(results.Total()))
	r.logger.InfoContext(ctx, "search complete",
		slog.Int("accounts", len(targets)),
		slog.Int("matched", results.Total()),
	)

	if err := report.WriteTable(r.out, results); err != nil {
		return nil, err
	}

	removed := 0
	if job.Purge {
		if removed, err = r.purge(ctx, results); err != nil {
			return nil, err
		}
		r.deleted.Add(ctx, int64(removed))
	}

	r.announce(ctx, job, len(targets), results.Total(), removed, time.Since(start))
	return results, nil
}

func (r *Runner) resolveAccounts(ctx context.Context, job Job, admin *session.AuthContext) ([]string, int, error) {
	b := accounts.NewBuilder(r.logger)

	for _, a := range job.Excludes {
		b.Exclude(a)
	}
	for _, path := range job.ExcludeFiles {
		if err := b.ExcludeFile(path); err != nil {
			return nil, 0, err
		}
	}

	for _, a := range job.Accounts {
		b.Add(a)
	}
	if job.DirectoryFilter != "" {
		if r.directory == nil {
			return nil, 0, errors.New("no directory searcher configured")
		}
		found, err := r.directory.Search(ctx, admin.Header(), job.DirectoryFilter)
		if err != nil {
			return nil, 0, err
		}
		for _, a := range found {
			b.Add(a)
		}
	}
	for _, path := range job.AccountFiles {
		if err := b.AddFile(path); err != nil {
			return nil, 0, err
		}
	}
	for _, path := range job.ListFiles {
		if err := b.AddFile(path); err != nil {
			return nil, 0, err
		}
	}

	set, err := b.Accounts()
	if err != nil {
		return nil, 0, err
	}
	return set, b.ExcludedCount(), nil
}

func (r *Runner) searchAll(ctx context.Context, targets []string, query string) (Results, error) {
	if r.workers == 1 {
		results := make(Results, len(targets))
		for _, account := range targets {
			records, err := r.searchOne(ctx, account, query)
			if err != nil {
				return nil, err
			}
			r.merge(ctx, results, account, records)
		}
		return results, nil
	}
	return r.searchAllParallel(ctx, targets, query)
}

type searchResult struct {
	account string
	records []mailbox.MessageRecord
	err     error
}

func (r *Runner) searchAllParallel(ctx context.Context, targets []string, query string) (Results, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string, len(targets))
	out := make(chan searchResult, len(targets))

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range jobs {
				if ctx.Err() != nil {
					out <- searchResult{account: account, err: ctx.Err()}
					continue
				}
				records, err := r.searchOne(ctx, account, query)
				out <- searchResult{account: account, records: records, err: err}
			}
		}()
	}

	for _, account := range targets {
		jobs <- account
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make(Results, len(targets))
	var firstErr error
	for res := range out {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		r.merge(ctx, results, res.account, res.records)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (r *Runner) searchOne(ctx context.Context, account, query string) ([]mailbox.MessageRecord, error) {
	ctx, span := r.tracer.Start(ctx, "sweep.account",
		trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	auth, err := r.sessions.HeaderForAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		r.logger.WarnContext(ctx, "skipping account, no delegated context", slog.String("account", account))
		return nil, nil
	}
	records, err := r.mail.Search(ctx, auth.Header(), query)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "account searched",
		slog.String("account", account),
		slog.Int("matched", len(records)),
	)
	return records, nil
}

func (r *Runner) merge(ctx context.Context, results Results, account string, records []mailbox.MessageRecord) {
	if _, exists := results[account]; exists {
		r.logger.WarnContext(ctx, "extending results for already-seen account", slog.String("account", account))
	}
	results[account] = append(results[account], records...)
}

// purge deletes every matched message, one request per account. A
// fresh delegated context is derived here rather than reusing the one
// from the search; tokens may have aged out in between. Deletion runs
// sequentially no matter how many workers searched.
func (r *Runner) purge(ctx context.Context, results Results) (int, error) {
	names := make([]string, 0, len(results))
	for account, records := range results {
		if len(records) > 0 {
			names = append(names, account)
		}
	}
	sort.Strings(names)

	removed := 0
	for _, account := range names {
		auth, err := r.sessions.HeaderForAccount(ctx, account)
		if err != nil {
			return removed, err
		}
		if auth == nil {
			r.logger.WarnContext(ctx, "skipping delete, no delegated context", slog.String("account", account))
			continue
		}

		records := results[account]
		ids := make([]string, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
		}
		ok, err := r.mail.Delete(ctx, auth.Header(), ids)
		if err != nil {
			return removed, err
		}
		if !ok {
			r.logger.WarnContext(ctx, "delete skipped", slog.String("account", account))
			continue
		}
		removed += len(ids)
		r.logger.InfoContext(ctx, "messages deleted",
			slog.String("account", account),
			slog.Int("count", len(ids)),
		)
	}
	return removed, nil
}

func (r *Runner) announce(ctx context.Context, job Job, accounts, matched, deleted int, dur time.Duration) {
	if r.announcer == nil {
		return
	}
	summary := announce.Summary{
		Query:    job.Query,
		Accounts: accounts,
		Matched:  matched,
		Deleted:  deleted,
		Duration: dur.Round(time.Millisecond).String(),
	}
	if err := r.announcer.Announce(ctx, summary); err != nil {
		r.logger.WarnContext(ctx, "announcement failed", slog.Any("error", err))
	}
}
