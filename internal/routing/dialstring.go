package routing

import "strings"

// DialVariants returns the notations under which a stored number may match
// dial. A leading "+" and a leading "00" are the same international prefix,
// so "+15551234567" and "0015551234567" yield each other. Numbers without an
// international prefix only match themselves.
func DialVariants(dial string) []string {
	d := strings.TrimSpace(dial)
	switch {
	case d == "":
		return nil
	case strings.HasPrefix(d, "+") && len(d) > 1:
		return []string{d, "00" + d[1:]}
	case strings.HasPrefix(d, "00") && len(d) > 2:
		return []string{d, "+" + d[2:]}
	default:
		return []string{d}
	}
}
