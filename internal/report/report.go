// Package report renders the matched-message results of a sweep for
// humans and for machines, and can archive the machine copy.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/boxsweep/boxsweep/internal/mailbox"
)

// WriteTable prints one row per matched message, accounts in
// lexicographic order, messages in discovery order within an account.
func WriteTable(w io.Writer, results map[string][]mailbox.MessageRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ACCOUNT\tMESSAGE\tCONVERSATION\tDATE\tSENDER\tSIZE\n")
	for _, account := range sortedAccounts(results) {
		for _, rec := range results[account] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\n",
				account,
				rec.ID,
				rec.ConversationID,
				rec.Date,
				rec.Sender(),
				rec.Size,
			)
		}
	}
	return tw.Flush()
}

// WriteCSV writes the same rows as WriteTable plus the flag string, in
// a form fit for archival and diffing between runs.
func WriteCSV(w io.Writer, results map[string][]mailbox.MessageRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"account", "message_id", "conversation_id", "date", "sender", "size", "flags"}); err != nil {
		return err
	}
	for _, account := range sortedAccounts(results) {
		for _, rec := range results[account] {
			row := []string{
				account,
				rec.ID,
				rec.ConversationID,
				strconv.FormatInt(rec.Date, 10),
				rec.Sender(),
				strconv.FormatInt(rec.Size, 10),
				rec.Flags,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func sortedAccounts(results map[string][]mailbox.MessageRecord) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
