// Package accounts assembles the set of mailboxes a sweep will visit,
// merging inline flags, list files, and directory results under one
// normalization and exclusion policy.
package accounts

import (
	"bufio"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Normalize trims surrounding whitespace and lowercases an address.
// Addresses are case-insensitive on the server, so every source is
// folded before comparison.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Builder accumulates candidate accounts in the order they arrive.
// Exclusions win over additions no matter which was registered first.
type Builder struct {
	logger  *slog.Logger
	seen    map[string]struct{}
	exclude map[string]struct{}
	order   []string
	dropped int
}

func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{
		logger:  logger,
		seen:    make(map[string]struct{}),
		exclude: make(map[string]struct{}),
	}
}

// Add registers one candidate. Blank lines and comment lines are
// skipped, repeats keep the first occurrence, and addresses already
// excluded are dropped without a word.
func (b *Builder) Add(addr string) {
	a := Normalize(addr)
	if a == "" || strings.HasPrefix(a, "#") {
		return
	}
	if _, skip := b.exclude[a]; skip {
		if _, dup := b.seen[a]; !dup {
			b.seen[a] = struct{}{}
			b.dropped++
		}
		return
	}
	if _, dup := b.seen[a]; dup {
		b.logger.Warn("duplicate account dropped", slog.String("account", a))
		return
	}
	b.seen[a] = struct{}{}
	b.order = append(b.order, a)
}

// AddFile registers every line of a list file through Add.
func (b *Builder) AddFile(path string) error {
	return eachLine(path, b.Add)
}

// Exclude bars an address from the final set. Excluding an address
// more than once is harmless.
func (b *Builder) Exclude(addr string) {
	a := Normalize(addr)
	if a == "" || strings.HasPrefix(a, "#") {
		return
	}
	b.exclude[a] = struct{}{}
}

// ExcludeFile bars every line of a list file through Exclude.
func (b *Builder) ExcludeFile(path string) error {
	return eachLine(path, b.Exclude)
}

// Accounts returns the final set in arrival order. Exclusions
// registered after an Add still apply here.
func (b *Builder) Accounts() ([]string, error) {
	out := make([]string, 0, len(b.order))
	for _, a := range b.order {
		if _, skip := b.exclude[a]; skip {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("no accounts to sweep after applying exclusions")
	}
	return out, nil
}

// ExcludedCount reports how many distinct candidates the exclusion
// list removed.
func (b *Builder) ExcludedCount() int {
	n := b.dropped
	for _, a := range b.order {
		if _, skip := b.exclude[a]; skip {
			n++
		}
	}
	return n
}

func eachLine(path string, fn func(string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening account list %s", path)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fn(sc.Text())
	}
	return errors.Wrapf(sc.Err(), "reading account list %s", path)
}
