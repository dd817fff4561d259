// Package mailbox runs message searches and deletions inside a single
// mailbox, using whatever auth context the caller supplies.
package mailbox

import (
	"context"
	"encoding/xml"
	"errors"
	"log/slog"
	"strings"

	"github.com/boxsweep/boxsweep/internal/soap"
)

// Message pages are larger than directory pages; rows are small and the
// per-request overhead dominates the cost of a mailbox walk.
const defaultPageLimit = 200

// Client searches and deletes messages. It holds no per-account state;
// the auth context passed to each call selects the mailbox.
type Client struct {
	rpc    soap.Doer
	logger *slog.Logger
	limit  int
}

type ClientOption func(*Client)

// WithRPC sets the channel calls go out on.
func WithRPC(rpc soap.Doer) ClientOption {
	return func(c *Client) { c.rpc = rpc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithPageLimit overrides the search page size.
func WithPageLimit(limit int) ClientOption {
	return func(c *Client) { c.limit = limit }
}

func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{limit: defaultPageLimit}
	for _, opt := range opts {
		opt(c)
	}
	if c.rpc == nil {
		return nil, errors.New("requires rpc")
	}
	if c.logger == nil {
		return nil, errors.New("requires logger")
	}
	if c.limit <= 0 {
		return nil, errors.New("requires a positive page limit")
	}
	return c, nil
}

// Search walks every page of messages matching query in the mailbox hdr
// points at, oldest first. A degraded page ends the walk and keeps what
// was gathered so far.
func (c *Client) Search(ctx context.Context, hdr *soap.Context, query string) ([]MessageRecord, error) {
	var records []MessageRecord
	err := soap.Collect(ctx, "SearchRequest", c.limit, func(ctx context.Context, cur soap.PageCursor) (int, bool, error) {
		req := &searchRequest{
			Types:  "message",
			SortBy: "dateAsc",
			Limit:  cur.Limit,
			Offset: cur.Offset,
			Query:  query,
		}
		var resp searchResponse
		ok, err := c.rpc.Do(ctx, hdr, req, &resp)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		for _, wm := range resp.Messages {
			rec, err := wm.record()
			if err != nil {
				return 0, false, err
			}
			records = append(records, rec)
		}
		c.logger.DebugContext(ctx, "mailbox search page",
			slog.Int("offset", cur.Offset),
			slog.Int("count", len(resp.Messages)),
			slog.Bool("more", resp.More),
		)
		return len(resp.Messages), resp.More, nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the given messages from the mailbox hdr points at, in
// one request. Deletion in this system is permanent; there is no trash
// step to undo.
func (c *Client) Delete(ctx context.Context, hdr *soap.Context, ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}
	req := &msgActionRequest{Action: msgActionSpec{Op: "delete", ID: strings.Join(ids, ",")}}
	ok, err := c.rpc.Do(ctx, hdr, req, nil)
	if err != nil {
		return false, err
	}
	if ok {
		c.logger.DebugContext(ctx, "deleted messages", slog.Int("count", len(ids)))
	}
	return ok, nil
}

type searchRequest struct {
	XMLName xml.Name `xml:"urn:zimbraMail SearchRequest"`
	Types   string   `xml:"types,attr"`
	SortBy  string   `xml:"sortBy,attr"`
	Limit   int      `xml:"limit,attr"`
	Offset  int      `xml:"offset,attr"`
	Query   string   `xml:"query"`
}

type searchResponse struct {
	More     bool          `xml:"more,attr"`
	Messages []wireMessage `xml:"m"`
}

type wireMessage struct {
	ID             string `xml:"id,attr"`
	ConversationID string `xml:"cid,attr"`
	Date           int64  `xml:"d,attr"`
	Size           int64  `xml:"s,attr"`
	Flags          string `xml:"f,attr"`
	Senders        []struct {
		Address string `xml:"a,attr"`
	} `xml:"e"`
}

// record converts wire metadata, millisecond date included, into a
// MessageRecord.
func (m wireMessage) record() (MessageRecord, error) {
	if len(m.Senders) > 1 {
		return MessageRecord{}, &soap.ProtocolError{Op: "SearchRequest", Detail: "message lists more than one sender participant"}
	}
	rec := MessageRecord{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Date:           m.Date / 1000,
		Size:           m.Size,
		Flags:          m.Flags,
	}
	if len(m.Senders) == 1 {
		rec.From = m.Senders[0].Address
	}
	return rec, nil
}

type msgActionRequest struct {
	XMLName xml.Name      `xml:"urn:zimbraMail MsgActionRequest"`
	Action  msgActionSpec `xml:"action"`
}

type msgActionSpec struct {
	Op string `xml:"op,attr"`
	ID string `xml:"id,attr"`
}
