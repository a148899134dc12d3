package log

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFormat_NoHTMLEscape(t *testing.T) {
	got := Format(context.Background(), map[string]string{"pattern": "a<b>&c"})
	want := `{"pattern":"a<b>&c"}`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestFormat_Unencodable(t *testing.T) {
	if got := Format(context.Background(), make(chan int)); got != "" {
		t.Fatalf("expected empty string for unencodable value, got %q", got)
	}
}

func TestG_ReturnsContextEntry(t *testing.T) {
	ctx := WithContext(context.Background(), L.WithField("image", "alpine:3.18"))
	if v, ok := G(ctx).Data["image"]; !ok || v != "alpine:3.18" {
		t.Fatalf("expected entry from context to carry image field, got %v", G(ctx).Data)
	}

	ctx = UpdateContext(ctx, logrus.Fields{"cid": "c0"})
	e, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected entry in context")
	}
	if e.Data["cid"] != "c0" || e.Data["image"] != "alpine:3.18" {
		t.Fatalf("fields were not merged: %v", e.Data)
	}
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetOutput(logrus.StandardLogger().Out)
	buf := &bytes.Buffer{}
	if err := SetupLogging(buf, "debug"); err != nil {
		t.Fatal(err)
	}
	L.Debug("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}

	if err := SetupLogging(buf, "chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
