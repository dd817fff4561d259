// Package directory expands admin directory filters into account
// addresses.
package directory

import (
	"context"
	"encoding/xml"
	"log/slog"

	"github.com/boxsweep/boxsweep/internal/soap"
	"github.com/pkg/errors"
)

// Directory walks are paged small; large pages slow the server-side
// scan far more than the extra round trips cost.
const defaultPageLimit = 50

// Searcher pages SearchDirectoryRequest under the operator's admin
// context.
type Searcher struct {
	rpc    soap.Doer
	logger *slog.Logger
	limit  int
}

type Option func(*Searcher)

func NewSearcher(opts ...Option) (*Searcher, error) {
	s := &Searcher{limit: defaultPageLimit}
	for _, opt := range opts {
		opt(s)
	}

	if s.rpc == nil {
		return nil, errors.New("requires rpc")
	}
	if s.logger == nil {
		return nil, errors.New("requires logger")
	}
	if s.limit <= 0 {
		return nil, errors.New("requires a positive page limit")
	}
	return s, nil
}

func WithRPC(rpc soap.Doer) Option {
	return func(s *Searcher) {
		s.rpc = rpc
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) {
		s.logger = logger
	}
}

// WithPageLimit overrides the page size, for tuning and tests.
func WithPageLimit(limit int) Option {
	return func(s *Searcher) {
		s.limit = limit
	}
}

// Search expands filter into the primary address of every matching
// account, in server-returned order, paging until exhausted. A page
// lost to a degraded channel ends the walk with what was gathered.
func (s *Searcher) Search(ctx context.Context, admin *soap.Context, filter string) ([]string, error) {
	var addrs []string
	err := soap.Collect(ctx, "SearchDirectoryRequest", s.limit, func(ctx context.Context, cur soap.PageCursor) (int, bool, error) {
		req := &searchDirectoryRequest{
			Query:      filter,
			Types:      "accounts",
			Attrs:      "mail",
			ApplyCos:   "0",
			MaxResults: "0",
			Limit:      cur.Limit,
			Offset:     cur.Offset,
		}
		var resp searchDirectoryResponse
		ok, err := s.rpc.Do(ctx, admin, req, &resp)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		for _, entry := range resp.Accounts {
			addrs = append(addrs, entry.Name)
		}
		s.logger.DebugContext(ctx, "directory page",
			slog.Int("offset", cur.Offset),
			slog.Int("entries", len(resp.Accounts)),
			slog.Bool("more", resp.More))
		return len(resp.Accounts), resp.More, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "directory searched",
		slog.String("filter", filter),
		slog.Int("accounts", len(addrs)))
	return addrs, nil
}

type searchDirectoryRequest struct {
	XMLName    xml.Name `xml:"urn:zimbraAdmin SearchDirectoryRequest"`
	Query      string   `xml:"query,attr"`
	Types      string   `xml:"types,attr"`
	Attrs      string   `xml:"attrs,attr"`
	ApplyCos   string   `xml:"applyCos,attr"`
	MaxResults string   `xml:"maxResults,attr"`
	Limit      int      `xml:"limit,attr"`
	Offset     int      `xml:"offset,attr"`
}

type searchDirectoryResponse struct {
	XMLName  xml.Name `xml:"SearchDirectoryResponse"`
	More     bool     `xml:"more,attr"`
	Accounts []struct {
		Name string `xml:"name,attr"`
	} `xml:"account"`
}
