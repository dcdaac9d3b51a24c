package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var idSepRe = regexp.MustCompile(`[\s,，]+`)

// ParseIDList parses a comma separated list of device ids such as "1,2, 3".
// Empty items are ignored; duplicates are kept in first-seen order once.
func ParseIDList(raw string) ([]int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	seen := make(map[int64]struct{})
	var ids []int64
	for _, part := range idSepRe.Split(s, -1) {
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid device id %q in %q", part, raw)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
