package callback

import (
	"sort"
	"strings"
)

// MaxCustomHeaders is the most custom headers a callback may carry.
const MaxCustomHeaders = 5

var blockedHeaderNames = map[string]struct{}{
	"authorization":     {},
	"content-type":      {},
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"host":              {},
	"cookie":            {},
}

var blockedHeaderPrefixes = []string{
	"x-forwarded-",
	"x-real-",
	"x-amz-",
	"x-envoy-",
}

// IsBlockedHeader reports whether a custom header name may never be set by a
// service. The signature header is only blocked at notification level, where
// the system computes it.
func IsBlockedHeader(name string, level Level) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if _, ok := blockedHeaderNames[lower]; ok {
		return true
	}
	for _, prefix := range blockedHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return level == LevelNotification && lower == SignatureHeader
}

func validHeaderText(s string) bool {
	return s != "" && !strings.ContainsAny(s, "\r\n\x00")
}

// MergeHeaders layers custom headers under the system headers. Custom
// headers that are blocked, collide with a system header, or carry control
// characters are dropped silently. System headers always keep their values.
func MergeHeaders(system, custom map[string]string, level Level) map[string]string {
	merged := make(map[string]string, len(system)+len(custom))
	taken := make(map[string]struct{}, len(system)+len(custom))
	for k, v := range system {
		merged[k] = v
		taken[strings.ToLower(k)] = struct{}{}
	}

	// Sorted so the surviving subset is stable when more than
	// MaxCustomHeaders are stored.
	names := make([]string, 0, len(custom))
	for k := range custom {
		names = append(names, k)
	}
	sort.Strings(names)

	added := 0
	for _, name := range names {
		if added == MaxCustomHeaders {
			break
		}
		value := custom[name]
		if !validHeaderText(name) || strings.ContainsAny(value, "\r\n\x00") {
			continue
		}
		if IsBlockedHeader(name, level) {
			continue
		}
		lower := strings.ToLower(name)
		if _, ok := taken[lower]; ok {
			continue
		}
		merged[name] = value
		taken[lower] = struct{}{}
		added++
	}
	return merged
}
