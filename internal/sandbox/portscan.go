package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

// ListenersCommand is the in-sandbox command every backend runs for a
// point-in-time snapshot of listening TCP sockets. netstat is the fallback
// for images without iproute2.
const ListenersCommand = "ss -tlnp 2>/dev/null || netstat -tlnp 2>/dev/null"

var processPattern = regexp.MustCompile(`\(+"?([^",)]+)"?,(?:pid=)?(\d+)`)

// ParseListeners parses `ss -tlnp` (or `netstat -tlnp`) output into a
// port -> PortInfo map. Unparseable lines are skipped; loopback-only and
// wildcard binds are both kept since either may back a user service.
func ParseListeners(out string) map[int]PortInfo {
	result := make(map[int]PortInfo)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "LISTEN") {
			continue
		}

		fields := strings.Fields(line)
		var address string
		var port int
		for _, field := range fields {
			idx := strings.LastIndex(field, ":")
			if idx <= 0 || idx == len(field)-1 {
				continue
			}
			p, err := strconv.Atoi(field[idx+1:])
			if err != nil || p <= 0 || p > 65535 {
				continue
			}
			address = field[:idx]
			port = p
			break
		}
		if port == 0 {
			continue
		}

		info := PortInfo{Address: address}
		if m := processPattern.FindStringSubmatch(line); m != nil {
			info.Process = m[1]
			info.PID, _ = strconv.Atoi(m[2])
		}

		// First hit wins; ss lists v4 before v6 for dual binds.
		if _, seen := result[port]; !seen {
			result[port] = info
		}
	}

	return result
}
