package ftest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boxsweep/boxsweep/internal/announce"
	"github.com/boxsweep/boxsweep/internal/directory"
	"github.com/boxsweep/boxsweep/internal/mailbox"
	"github.com/boxsweep/boxsweep/internal/session"
	"github.com/boxsweep/boxsweep/internal/soap"
	"github.com/boxsweep/boxsweep/internal/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSweeper wires the full production stack against the fake server,
// with single-entry pages so every walk exercises pagination.
func newSweeper(t *testing.T, srv *Server, out io.Writer, mode soap.Mode, workers int, extra ...sweep.Option) *sweep.Runner {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := soap.NewClient(
		soap.WithEndpoint(srv.URL()),
		soap.WithHTTPClient(srv.HTTPClient()),
		soap.WithLogger(logger),
	)
	require.NoError(t, err)
	rpc, err := soap.NewRetrier(client, logger, soap.WithMode(mode), soap.WithSleep(func(time.Duration) {}))
	require.NoError(t, err)
	sessions, err := session.NewManager(session.WithRPC(rpc), session.WithLogger(logger))
	require.NoError(t, err)
	dir, err := directory.NewSearcher(directory.WithRPC(rpc), directory.WithLogger(logger), directory.WithPageLimit(1))
	require.NoError(t, err)
	mail, err := mailbox.NewClient(mailbox.WithRPC(rpc), mailbox.WithLogger(logger), mailbox.WithPageLimit(1))
	require.NoError(t, err)

	opts := append([]sweep.Option{
		sweep.WithSessions(sessions),
		sweep.WithDirectory(dir),
		sweep.WithMailbox(mail),
		sweep.WithLogger(logger),
		sweep.WithOutput(out),
		sweep.WithWorkers(workers),
	}, extra...)
	runner, err := sweep.NewRunner(opts...)
	require.NoError(t, err)
	return runner
}

func sweepFixture() Fixture {
	return Fixture{
		Mailboxes: map[string][]Message{
			"alice@example.com": {
				{ID: "101", CID: "901", DateMS: 1700000000000, Size: 5120, From: "spam@example.net", Flags: "u"},
				{ID: "102", CID: "902", DateMS: 1700086400000, Size: 2048},
			},
			"bob@example.com": {
				{ID: "201", CID: "911", DateMS: 1700172800000, Size: 1024, From: "spam@example.net"},
			},
		},
	}
}

func adminJob(accounts ...string) sweep.Job {
	return sweep.Job{
		AuthUser:  DefaultAdmin,
		Password:  DefaultPass,
		AdminAuth: true,
		Query:     "before:1/1/2024",
		Accounts:  accounts,
	}
}

func TestSweepSearchAcrossAccounts(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	var out bytes.Buffer
	runner := newSweeper(t, srv, &out, soap.Raise, 1)
	results, err := runner.Run(context.Background(), adminJob("alice@example.com", "bob@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 3, results.Total())
	require.Len(t, results["alice@example.com"], 2)
	assert.Equal(t, mailbox.MessageRecord{
		ID: "101", ConversationID: "901", Date: 1700000000,
		From: "spam@example.net", Size: 5120, Flags: "u",
	}, results["alice@example.com"][0])

	// The second alice message has no sender and renders as NA.
	assert.Contains(t, out.String(), "alice@example.com")
	assert.Contains(t, out.String(), "1700000000")
	assert.Contains(t, out.String(), "NA")

	assert.Empty(t, srv.Deletes())
	assert.Equal(t, 1, srv.Delegations("alice@example.com"))
	assert.Equal(t, 1, srv.Delegations("bob@example.com"))

	// Single-entry pages: two requests for alice, one for bob.
	queries := srv.Queries()
	require.Len(t, queries, 3)
	for _, q := range queries {
		assert.Equal(t, "before:1/1/2024", q)
	}
}

func TestSweepPurgeDeletesOncePerAccount(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	job := adminJob("alice@example.com", "bob@example.com")
	job.Purge = true
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 3, results.Total())
	assert.Equal(t, []Delete{
		{Account: "alice@example.com", IDs: "101,102"},
		{Account: "bob@example.com", IDs: "201"},
	}, srv.Deletes())
	assert.Equal(t, 0, srv.MessageCount("alice@example.com"))
	assert.Equal(t, 0, srv.MessageCount("bob@example.com"))

	// One delegation for the search, a fresh one for the delete.
	assert.Equal(t, 2, srv.Delegations("alice@example.com"))
	assert.Equal(t, 2, srv.Delegations("bob@example.com"))
}

func TestSweepExcludeBlocksSearchAndDelete(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	job := adminJob("alice@example.com", "bob@example.com")
	job.Excludes = []string{"Bob@Example.COM"}
	job.Purge = true
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, 2, results.Total())
	_, swept := results["bob@example.com"]
	assert.False(t, swept)
	assert.Equal(t, 0, srv.Delegations("bob@example.com"))
	assert.Equal(t, []Delete{{Account: "alice@example.com", IDs: "101,102"}}, srv.Deletes())
	assert.Equal(t, 1, srv.MessageCount("bob@example.com"))
}

func TestSweepDirectoryDrivenAccounts(t *testing.T) {
	fixture := sweepFixture()
	fixture.Directory = []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	fixture.Mailboxes["carol@example.com"] = []Message{
		{ID: "301", CID: "921", DateMS: 1700259200000, Size: 4096, From: "spam@example.net"},
	}
	srv, cleanup := SetupSOAPServer(t, fixture)
	t.Cleanup(cleanup)

	job := adminJob()
	job.DirectoryFilter = "(&(objectClass=zimbraAccount))"
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, results, 3)
	assert.Equal(t, 4, results.Total())
	for _, account := range fixture.Directory {
		assert.Equal(t, 1, srv.Delegations(account), account)
	}

	filters := srv.DirectoryFilters()
	require.Len(t, filters, 3)
	for _, f := range filters {
		assert.Equal(t, "(&(objectClass=zimbraAccount))", f)
	}
}

func TestSweepSingleUserMode(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, Fixture{
		Mailboxes: map[string][]Message{
			DefaultAdmin: {{ID: "501", CID: "951", DateMS: 1700000000000, Size: 512, From: "spam@example.net"}},
		},
	})
	t.Cleanup(cleanup)

	job := sweep.Job{
		AuthUser: DefaultAdmin,
		Password: DefaultPass,
		Query:    "in:inbox",
		Accounts: []string{DefaultAdmin},
	}
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, results[DefaultAdmin], 1)
	assert.Equal(t, 0, srv.Delegations(DefaultAdmin))
}

func TestSweepBadPasswordSurfacesFault(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	job := adminJob("alice@example.com")
	job.Password = "wrong"
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), job)
	require.Error(t, err)
	assert.Nil(t, results)

	var authErr *session.AuthError
	require.ErrorAs(t, err, &authErr)
	var fault *soap.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "account.AUTH_FAILED", fault.Code)
	assert.Equal(t, 0, srv.Delegations("alice@example.com"))
}

func TestSweepRetriesTransportBlips(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	srv.FailNext(2)
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1)
	results, err := runner.Run(context.Background(), adminJob("alice@example.com", "bob@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 2, srv.FailedCount())
	assert.Equal(t, 3, results.Total())
}

func TestSweepParallelWorkers(t *testing.T) {
	fixture := sweepFixture()
	fixture.Mailboxes["carol@example.com"] = []Message{
		{ID: "301", CID: "921", DateMS: 1700259200000, Size: 4096, From: "spam@example.net"},
	}
	fixture.Mailboxes["dave@example.com"] = nil
	srv, cleanup := SetupSOAPServer(t, fixture)
	t.Cleanup(cleanup)

	runner := newSweeper(t, srv, io.Discard, soap.Raise, 3)
	results, err := runner.Run(context.Background(), adminJob(
		"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"))
	require.NoError(t, err)

	assert.Equal(t, 4, results.Total())
	assert.Len(t, results, 4)
	for _, account := range []string{"alice@example.com", "bob@example.com", "carol@example.com", "dave@example.com"} {
		assert.Equal(t, 1, srv.Delegations(account), account)
	}
}

func TestSweepAnnouncesSummary(t *testing.T) {
	srv, cleanup := SetupSOAPServer(t, sweepFixture())
	t.Cleanup(cleanup)

	var got announce.Summary
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(hook.Close)

	job := adminJob("alice@example.com", "bob@example.com")
	job.Purge = true
	runner := newSweeper(t, srv, io.Discard, soap.Raise, 1,
		sweep.WithAnnouncer(announce.New(announce.WithWebhookURL(hook.URL))))
	_, err := runner.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "before:1/1/2024", got.Query)
	assert.Equal(t, 2, got.Accounts)
	assert.Equal(t, 3, got.Matched)
	assert.Equal(t, 3, got.Deleted)
	assert.NotEmpty(t, got.Duration)
}
