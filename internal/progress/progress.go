// Package progress reports how far image population has come.
package progress

import (
	"fmt"
	"io"
	"sync"
)

// Writer prints one line per completed step to an io.Writer, e.g.
// "[3/8] hashed layers of nginx:1.25". It satisfies
// securitypolicy.ProgressReporter.
type Writer struct {
	mu    sync.Mutex
	w     io.Writer
	total int
	done  int
}

// New returns a Writer printing to w.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (p *Writer) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
	p.done = 0
}

func (p *Writer) Step(description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done < p.total {
		p.done++
	}
	_, _ = fmt.Fprintf(p.w, "[%d/%d] %s\n", p.done, p.total, description)
}

// Done reports the run as finished. A run aborted early ends on a line that
// shows how many steps were left.
func (p *Writer) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done < p.total {
		_, _ = fmt.Fprintf(p.w, "[%d/%d] stopped\n", p.done, p.total)
	}
	p.total = 0
	p.done = 0
}
