package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/boxsweep/boxsweep/internal/mailbox"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleResults() map[string][]mailbox.MessageRecord {
	return map[string][]mailbox.MessageRecord{
		"bob@example.com": {
			{ID: "201", ConversationID: "910", Date: 1700000200, From: "carol@example.com", Size: 512, Flags: "u"},
		},
		"alice@example.com": {
			{ID: "101", ConversationID: "901", Date: 1700000000, From: "dave@example.com", Size: 2048, Flags: ""},
			{ID: "102", ConversationID: "901", Date: 1700000100, From: "", Size: 64, Flags: "f"},
		},
	}
}

func TestWriteTableOrdersAndRenders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, sampleResults()))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)

	assert.Regexp(t, `^ACCOUNT\s+MESSAGE\s+CONVERSATION\s+DATE\s+SENDER\s+SIZE$`, lines[0])
	assert.Regexp(t, `^alice@example\.com\s+101\s+901\s+1700000000\s+dave@example\.com\s+2048$`, lines[1])
	assert.Regexp(t, `^alice@example\.com\s+102\s+901\s+1700000100\s+NA\s+64$`, lines[2])
	assert.Regexp(t, `^bob@example\.com\s+201\s+910\s+1700000200\s+carol@example\.com\s+512$`, lines[3])
}

func TestWriteTableEmptyResults(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, nil))
	assert.Regexp(t, `^ACCOUNT\s+MESSAGE`, buf.String())
}

func TestWriteCSVRows(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleResults()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"account", "message_id", "conversation_id", "date", "sender", "size", "flags"}, rows[0])
	assert.Equal(t, []string{"alice@example.com", "101", "901", "1700000000", "dave@example.com", "2048", ""}, rows[1])
	assert.Equal(t, []string{"alice@example.com", "102", "901", "1700000100", "NA", "64", "f"}, rows[2])
	assert.Equal(t, []string{"bob@example.com", "201", "910", "1700000200", "carol@example.com", "512", "u"}, rows[3])
}

type fakeUploader struct {
	input *s3manager.UploadInput
	err   error
}

func (f *fakeUploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}
	return &s3manager.UploadOutput{Location: "https://reports.example/" + aws.StringValue(input.Key)}, nil
}

func TestArchiveUploadsCSV(t *testing.T) {
	fake := &fakeUploader{}
	a := &Archiver{uploader: fake, bucket: "sweep-reports", logger: slogDiscard()}

	location, err := a.Archive(context.Background(), "boxsweep/run.csv", strings.NewReader("account\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://reports.example/boxsweep/run.csv", location)

	require.NotNil(t, fake.input)
	assert.Equal(t, "sweep-reports", aws.StringValue(fake.input.Bucket))
	assert.Equal(t, "boxsweep/run.csv", aws.StringValue(fake.input.Key))
	assert.Equal(t, "text/csv", aws.StringValue(fake.input.ContentType))
}

func TestArchiveWrapsUploadError(t *testing.T) {
	fake := &fakeUploader{err: errors.New("denied")}
	a := &Archiver{uploader: fake, bucket: "sweep-reports", logger: slogDiscard()}

	_, err := a.Archive(context.Background(), "boxsweep/run.csv", strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploading report boxsweep/run.csv")
}
