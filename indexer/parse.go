package indexer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	sizeRegex       = regexp.MustCompile(`(?i)^(\d+(\.\d+)?)\s*(kb|mb|gb|tb)$`)
	timeagoRegex    = regexp.MustCompile(`(?i)(\d+)\s+(min|minute|hour|day|week|month|year)s?\s+ago`)
	timeagoDayRegex = regexp.MustCompile(`(?i)yesterday`)
	todayRegex      = regexp.MustCompile(`(?i)^today`)
	dateTimeRegex   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}:\d{2}`)
)

// parseSize understands raw byte counts, tracker-style "1.5 GB" (binary
// multiples, as trackers use them) and anything go-humanize accepts.
func parseSize(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	if matches := sizeRegex.FindStringSubmatch(s); len(matches) == 4 {
		val, _ := strconv.ParseFloat(matches[1], 64)
		var multiplier float64 = 1
		switch strings.ToLower(matches[3]) {
		case "kb":
			multiplier = 1 << 10
		case "mb":
			multiplier = 1 << 20
		case "gb":
			multiplier = 1 << 30
		case "tb":
			multiplier = 1 << 40
		}
		return int64(val * multiplier), nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(n), nil
}

// parseFuzzyDate handles the absolute and relative date formats found on
// tracker listings.
func parseFuzzyDate(dateStr string, now time.Time) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)

	if strings.Contains(dateStr, "a.m.") || strings.Contains(dateStr, "p.m.") {
		cleanStr := strings.ReplaceAll(dateStr, ".", "")
		cleanStr = strings.Replace(cleanStr, "am", "AM", 1)
		cleanStr = strings.Replace(cleanStr, "pm", "PM", 1)
		if t, err := time.Parse("Jan 2, 2006, 3:04 PM", cleanStr); err == nil {
			return t, nil
		}
	}

	if dateTimeMatch := dateTimeRegex.FindString(dateStr); dateTimeMatch != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", dateTimeMatch); err == nil {
			return t, nil
		}
	}

	if todayRegex.MatchString(dateStr) {
		return now, nil
	}
	if timeagoDayRegex.MatchString(dateStr) {
		return now.AddDate(0, 0, -1), nil
	}

	if matches := timeagoRegex.FindStringSubmatch(dateStr); len(matches) == 3 {
		value, _ := strconv.Atoi(matches[1])
		switch strings.ToLower(matches[2]) {
		case "min", "minute":
			return now.Add(-time.Duration(value) * time.Minute), nil
		case "hour":
			return now.Add(-time.Duration(value) * time.Hour), nil
		case "day":
			return now.AddDate(0, 0, -value), nil
		case "week":
			return now.AddDate(0, 0, -value*7), nil
		case "month":
			return now.AddDate(0, -value, 0), nil
		case "year":
			return now.AddDate(-value, 0, 0), nil
		}
	}

	if unixTime, err := strconv.ParseInt(dateStr, 10, 64); err == nil {
		return time.Unix(unixTime, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339, "2006-01-02 15:04:05", time.RFC1123Z, time.RFC1123, "2006-01-02", "Jan 2, 2006", "02/01/2006",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date: %s", dateStr)
}
