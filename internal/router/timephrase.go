package router

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/DatanoiseTV/tabitha/internal/types"
)

var (
	reAgo       = regexp.MustCompile(`\b(\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|few|couple of)\s+(minute|min|hour|hr|day|week|month)s?\s+ago\b`)
	reLastNight = regexp.MustCompile(`\blast night\b`)
	reYesterday = regexp.MustCompile(`\byesterday\b`)
	reToday     = regexp.MustCompile(`\b(earlier today|today|this morning|this afternoon|this evening|tonight)\b`)
	reLastWeek  = regexp.MustCompile(`\b(last|past|previous) week\b`)
	reThisWeek  = regexp.MustCompile(`\bthis week\b`)
	reLastMonth = regexp.MustCompile(`\b(last|past|previous) month\b`)
	reWeekday   = regexp.MustCompile(`\b(on|last) (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	reISODate   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reMonthDay  = regexp.MustCompile(`\b(january|jan|february|feb|march|mar|april|apr|may|june|jun|july|jul|august|aug|september|sept|sep|october|oct|november|nov|december|dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "few": 3, "couple of": 2,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DetectTime finds the first temporal phrase in text and returns the range
// it denotes together with the matched phrase. A nil range means the text
// has no temporal phrase.
func DetectTime(text string, now time.Time) (*types.DateRange, string) {
	s := strings.ToLower(text)
	today := startOfDay(now)

	if m := reAgo.FindStringSubmatch(s); m != nil {
		n, ok := numberWords[m[1]]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		if n <= 0 {
			n = 1
		}
		var since time.Time
		switch m[2] {
		case "minute", "min":
			since = now.Add(-time.Duration(n) * time.Minute)
		case "hour", "hr":
			since = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			since = today.AddDate(0, 0, -n)
		case "week":
			since = today.AddDate(0, 0, -7*n)
		case "month":
			since = today.AddDate(0, -n, 0)
		}
		return &types.DateRange{Since: since}, m[0]
	}
	if m := reLastNight.FindString(s); m != "" {
		return &types.DateRange{Since: today.Add(-6 * time.Hour), Until: today.Add(6 * time.Hour)}, m
	}
	if m := reYesterday.FindString(s); m != "" {
		return &types.DateRange{Since: today.AddDate(0, 0, -1), Until: today}, m
	}
	if m := reToday.FindString(s); m != "" {
		return &types.DateRange{Since: today}, m
	}
	if m := reLastWeek.FindString(s); m != "" {
		return &types.DateRange{Since: today.AddDate(0, 0, -7)}, m
	}
	if m := reThisWeek.FindString(s); m != "" {
		offset := (int(today.Weekday()) + 6) % 7
		return &types.DateRange{Since: today.AddDate(0, 0, -offset)}, m
	}
	if m := reLastMonth.FindString(s); m != "" {
		return &types.DateRange{Since: today.AddDate(0, -1, 0)}, m
	}
	if m := reWeekday.FindStringSubmatch(s); m != nil {
		want := weekdays[m[2]]
		back := (int(today.Weekday()) - int(want) + 7) % 7
		if back == 0 {
			back = 7
		}
		day := today.AddDate(0, 0, -back)
		return &types.DateRange{Since: day, Until: day.AddDate(0, 0, 1)}, m[0]
	}
	if m := reISODate.FindStringSubmatch(s); m != nil {
		if day, err := time.ParseInLocation("2006-01-02", m[0], now.Location()); err == nil {
			return &types.DateRange{Since: day, Until: day.AddDate(0, 0, 1)}, m[0]
		}
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		d, err := strconv.Atoi(m[2])
		if err == nil && d >= 1 && d <= 31 {
			day := time.Date(now.Year(), months[m[1][:3]], d, 0, 0, 0, 0, now.Location())
			if day.After(now) {
				day = day.AddDate(-1, 0, 0)
			}
			return &types.DateRange{Since: day, Until: day.AddDate(0, 0, 1)}, m[0]
		}
	}
	return nil, ""
}
