package progress

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

var _ sp.ProgressReporter = &Writer{}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.Start(2)
	p.Step("inspected a")
	p.Step("hashed a")
	p.Done()

	want := "[1/2] inspected a\n[2/2] hashed a\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterStopped(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	p.Start(4)
	p.Step("inspected a")
	p.Done()

	want := "[1/4] inspected a\n[1/4] stopped\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}
