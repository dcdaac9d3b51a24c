package parse

import (
	"net"
	"regexp"
	"strings"
)

var hostLabelRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidHost reports whether raw is an IP address or an RFC 1123 host name.
// Anything else, including values starting with "-", is rejected.
func ValidHost(raw string) bool {
	if net.ParseIP(raw) != nil {
		return true
	}
	if raw == "" || len(raw) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(raw, "."), ".") {
		if !hostLabelRe.MatchString(label) {
			return false
		}
	}
	return true
}
