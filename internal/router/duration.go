package router

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	shortSeconds = regexp.MustCompile(`^(\d+)\s*s$`)
	shortMinutes = regexp.MustCompile(`^(\d+)\s*m$`)
	shortHours   = regexp.MustCompile(`^(\d+)\s*h$`)
	viSeconds    = regexp.MustCompile(`(\d+)\s*giây`)
	viMinutes    = regexp.MustCompile(`(\d+)\s*phút`)
	viHours      = regexp.MustCompile(`(\d+)\s*(?:giờ|tiếng)`)
	viHourHalf   = regexp.MustCompile(`(\d+)\s*tiếng\s*rưỡi`)
	bareNumber   = regexp.MustCompile(`^(\d+)$`)
)

// ParseDuration converts a spoken duration ("5 phút", "1 tiếng rưỡi",
// "10m") into seconds. A bare number is seconds. Anything else is 0.
func ParseDuration(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range []struct {
		re   *regexp.Regexp
		mult int
		add  int
	}{
		{shortSeconds, 1, 0},
		{shortMinutes, 60, 0},
		{shortHours, 3600, 0},
		{viSeconds, 1, 0},
		{viMinutes, 60, 0},
		{viHourHalf, 3600, 1800},
		{viHours, 3600, 0},
		{bareNumber, 1, 0},
	} {
		if m := p.re.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return 0
			}
			return n*p.mult + p.add
		}
	}
	if strings.Contains(s, "nửa tiếng") {
		return 1800
	}
	return 0
}

// FormatDuration renders seconds the way replies quote them.
func FormatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%d giây", seconds)
	}
	minutes := seconds / 60
	if seconds%60 != 0 {
		return fmt.Sprintf("%d phút %d giây", minutes, seconds%60)
	}
	if minutes < 60 {
		return fmt.Sprintf("%d phút", minutes)
	}
	if minutes%60 == 0 {
		return fmt.Sprintf("%d giờ", minutes/60)
	}
	return fmt.Sprintf("%d giờ %d phút", minutes/60, minutes%60)
}
