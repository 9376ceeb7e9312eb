package fragment

import (
	"strconv"
	"strings"
)

// Parse splits a received payload into its numbering and body.
// ok is false for payloads without a "[i/n] " header (single-fragment replies).
func Parse(payload string) (index, total int, body string, ok bool) {
	if !strings.HasPrefix(payload, "[") {
		return 0, 0, payload, false
	}
	end := strings.Index(payload, "] ")
	if end < 0 {
		return 0, 0, payload, false
	}
	nums := strings.SplitN(payload[1:end], "/", 2)
	if len(nums) != 2 {
		return 0, 0, payload, false
	}
	i, err1 := strconv.Atoi(nums[0])
	n, err2 := strconv.Atoi(nums[1])
	if err1 != nil || err2 != nil || i < 1 || n < 2 || i > n {
		return 0, 0, payload, false
	}
	return i, n, payload[end+2:], true
}

// Reassemble rebuilds a reply from its payloads in transmission order,
// dropping headers and continuation markers.
func Reassemble(payloads []string, marker string) string {
	if marker == "" {
		marker = DefaultMarker
	}
	var b strings.Builder
	for _, p := range payloads {
		i, _, body, ok := Parse(p)
		if ok && i > 1 {
			body = strings.TrimPrefix(body, marker)
		}
		b.WriteString(body)
	}
	return b.String()
}
