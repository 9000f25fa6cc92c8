package observability

import "unicode"

// clean drops control characters and caps the rune count so request data cannot forge log lines.
func clean(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	out := make([]rune, 0, min(len(value), limit))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return string(out)
}

func cleanRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, 180)
}
