package securitypolicy

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseSignal maps an image STOPSIGNAL ("SIGTERM", "TERM" or "15") to its
// number.
func parseSignal(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n, n > 0
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	sig := unix.SignalNum(s)
	return int(sig), sig != 0
}
