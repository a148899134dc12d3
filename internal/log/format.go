package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Format formats an object into a JSON string, without any indentation or
// HTML escapes.
// Context is used to output a log warning if the conversion fails.
//
// This is intended for debug fields holding policy fragments, which are
// otherwise printed with Go's %v verb.
func Format(ctx context.Context, v interface{}) string {
	b, err := encode(v)
	if err != nil {
		G(ctx).WithError(err).Warning("could not format value")
		return ""
	}

	return string(b)
}

func encode(v interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "")

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("could not marshall %T to JSON for logging: %w", v, err)
	}

	// encoder.Encode appends a newline to the end
	return bytes.TrimSpace(buf.Bytes()), nil
}

// SetupLogging configures the standard logger for the command line tools:
// text output without timestamps, written to w, at the named level.
func SetupLogging(w io.Writer, level string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logrus.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	return nil
}
