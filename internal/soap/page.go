package soap

import "context"

// PageCursor tracks one paging pass over a logical query. Offset
// advances by Limit each round; More mirrors the server's flag from the
// previous page. Cursors are never shared across queries.
type PageCursor struct {
	Offset int
	Limit  int
	More   bool
}

// Collect drives fetch until the server reports no further pages. fetch
// returns how many items the page contributed and whether the server
// promised more. A page that promises more while contributing nothing
// aborts the pass: advancing over an empty page would spin forever.
func Collect(ctx context.Context, op string, limit int, fetch func(ctx context.Context, cur PageCursor) (int, bool, error)) error {
	cur := PageCursor{Limit: limit}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, more, err := fetch(ctx, cur)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if n == 0 {
			return &ProtocolError{Op: op, Detail: "server reported more results but the page was empty"}
		}
		cur.Offset += cur.Limit
		cur.More = more
	}
}
