package mock

import (
	"bytes"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"testing"

	gomock "go.uber.org/mock/gomock"
)

// SetupLogger sets up a logger that only outputs if the test fails
func SetupLogger(t *testing.T) *slog.Logger {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

// Custom matcher to check an RPC payload by its wire element name
type payloadMatcher struct {
	name string
}

func (m payloadMatcher) Matches(x interface{}) bool {
	t := reflect.TypeOf(x)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return false
	}
	f, ok := t.FieldByName("XMLName")
	if !ok {
		return false
	}
	tag := f.Tag.Get("xml")
	if i := strings.LastIndex(tag, " "); i >= 0 {
		tag = tag[i+1:]
	}
	return tag == m.name
}

func (m payloadMatcher) String() string {
	return "is a " + m.name + " payload"
}

// NewPayloadMatcher returns a matcher for request payloads by element name
func NewPayloadMatcher(name string) gomock.Matcher {
	return payloadMatcher{name: name}
}
