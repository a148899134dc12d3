//go:build !linux

package securitypolicy

import (
	"strconv"
	"strings"
)

// linux numbering, the policy is always evaluated in a linux guest
var linuxSignals = map[string]int{
	"SIGHUP":  1,
	"SIGINT":  2,
	"SIGQUIT": 3,
	"SIGKILL": 9,
	"SIGUSR1": 10,
	"SIGUSR2": 12,
	"SIGTERM": 15,
	"SIGSTOP": 19,
}

func parseSignal(s string) (int, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		return n, n > 0
	}
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	n, ok := linuxSignals[s]
	return n, ok
}
