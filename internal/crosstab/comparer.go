package crosstab

import (
	"fmt"
	"strings"
	"time"

	"github.com/vinodismyname/xcelpivot/internal/values"
)

// Comparer orders the grouping values of one tuple position.
type Comparer interface {
	Compare(a, b any) int
}

// Grouper maps a raw source value to the value stored in the tuple. Comparers
// that bucket values (named groups, date levels) implement it.
type Grouper interface {
	Group(v any) any
}

// DefaultComparer orders values by their natural order. Others always sorts last.
type DefaultComparer struct {
	Descending bool
}

func (c DefaultComparer) Compare(a, b any) int {
	if r, ok := othersLast(a, b); ok {
		return r
	}
	r := values.Compare(a, b)
	if c.Descending {
		return -r
	}
	return r
}

func othersLast(a, b any) (int, bool) {
	ao, bo := isOthers(a), isOthers(b)
	switch {
	case ao && bo:
		return 0, true
	case ao:
		return 1, true
	case bo:
		return -1, true
	}
	return 0, false
}

// NamedGroup collects a set of raw values under one display name.
type NamedGroup struct {
	Name   string
	Values []any
}

// GroupOptions configures a SpecificComparer.
type GroupOptions struct {
	// OthersLabel names the bucket for values no group claims. Defaults to "Others".
	OthersLabel string
	// KeepUngrouped leaves unclaimed values as themselves instead of folding them into Others.
	KeepUngrouped bool
	// Order is a manual ordering of group names. It may name the Others label
	// to place the bucket somewhere other than last.
	Order      []string
	Descending bool
}

// SpecificComparer groups values into named groups and orders them by group
// position, or by a manual order when one is given.
type SpecificComparer struct {
	groups  []NamedGroup
	opts    GroupOptions
	members map[string]string
	rank    map[string]int
	others  int
}

// NewSpecificComparer indexes groups for lookup. A value listed in several
// groups belongs to the first.
func NewSpecificComparer(groups []NamedGroup, opts GroupOptions) *SpecificComparer {
	if opts.OthersLabel == "" {
		opts.OthersLabel = DefaultOthersLabel
	}
	c := &SpecificComparer{
		groups:  groups,
		opts:    opts,
		members: make(map[string]string),
		rank:    make(map[string]int),
	}
	for _, g := range groups {
		for _, v := range g.Values {
			k := values.Key(v)
			if _, dup := c.members[k]; !dup {
				c.members[k] = g.Name
			}
		}
	}
	pos := 0
	for _, name := range opts.Order {
		if _, seen := c.rank[name]; !seen {
			c.rank[name] = pos
			pos++
		}
	}
	for _, g := range groups {
		if _, seen := c.rank[g.Name]; !seen {
			c.rank[g.Name] = pos
			pos++
		}
	}
	c.others = -1
	if r, ok := c.rank[opts.OthersLabel]; ok && len(opts.Order) > 0 {
		c.others = r
	}
	return c
}

// Group returns the name of the group claiming v, or the Others bucket.
func (c *SpecificComparer) Group(v any) any {
	if name, ok := c.members[values.Key(v)]; ok {
		return name
	}
	if c.opts.KeepUngrouped {
		return v
	}
	return Others{Label: c.opts.OthersLabel}
}

// Compare orders named groups first, then ungrouped values, then Others.
// A manual order that names the Others label places it at that position.
func (c *SpecificComparer) Compare(a, b any) int {
	ra, va := c.classify(a)
	rb, vb := c.classify(b)
	if ra.tier != rb.tier {
		return ra.tier - rb.tier
	}
	var r int
	switch ra.tier {
	case tierNamed:
		r = ra.pos - rb.pos
	case tierUngrouped:
		r = values.Compare(va, vb)
	default:
		return 0
	}
	if c.opts.Descending {
		return -r
	}
	return r
}

const (
	tierNamed = iota
	tierUngrouped
	tierOthers
)

type groupRank struct{ tier, pos int }

func (c *SpecificComparer) classify(v any) (groupRank, any) {
	if isOthers(v) {
		if c.others >= 0 {
			return groupRank{tierNamed, c.others}, v
		}
		return groupRank{tier: tierOthers}, v
	}
	if s, ok := v.(string); ok {
		if p, ok := c.rank[s]; ok {
			return groupRank{tierNamed, p}, v
		}
	}
	if c.opts.KeepUngrouped {
		return groupRank{tier: tierUngrouped}, v
	}
	// A name no group declares is treated as part of Others.
	if c.others >= 0 {
		return groupRank{tierNamed, c.others}, v
	}
	return groupRank{tier: tierOthers}, v
}

// DateLevel is the resolution of a date grouping.
type DateLevel int

const (
	LevelYear DateLevel = iota
	LevelQuarter
	LevelMonth
	LevelWeek
	LevelDay
	LevelHour
	LevelMinute
	LevelSecond
	// Part-of-period levels group by a calendar component and yield integers.
	LevelQuarterOfYear
	LevelMonthOfYear
	LevelWeekOfYear
	LevelDayOfMonth
	LevelDayOfWeek
	LevelDayOfYear
	LevelHourOfDay
	LevelMinuteOfHour
	LevelSecondOfMinute
)

var dateLevelNames = map[DateLevel]string{
	LevelYear:           "year",
	LevelQuarter:        "quarter",
	LevelMonth:          "month",
	LevelWeek:           "week",
	LevelDay:            "day",
	LevelHour:           "hour",
	LevelMinute:         "minute",
	LevelSecond:         "second",
	LevelQuarterOfYear:  "quarter_of_year",
	LevelMonthOfYear:    "month_of_year",
	LevelWeekOfYear:     "week_of_year",
	LevelDayOfMonth:     "day_of_month",
	LevelDayOfWeek:      "day_of_week",
	LevelDayOfYear:      "day_of_year",
	LevelHourOfDay:      "hour_of_day",
	LevelMinuteOfHour:   "minute_of_hour",
	LevelSecondOfMinute: "second_of_minute",
}

func (l DateLevel) String() string { return dateLevelNames[l] }

// DateLevelNames lists every level name, periods first.
func DateLevelNames() []string {
	out := make([]string, 0, len(dateLevelNames))
	for l := LevelYear; l <= LevelSecondOfMinute; l++ {
		out = append(out, dateLevelNames[l])
	}
	return out
}

// IsPart reports whether l groups by a calendar component rather than a period.
func (l DateLevel) IsPart() bool { return l >= LevelQuarterOfYear }

// ParseDateLevel resolves a level name such as "month" or "day_of_week".
func ParseDateLevel(s string) (DateLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range dateLevelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("crosstab: unknown date level %q", s)
}

// DateComparer buckets dates to a level and orders the buckets
// chronologically. Period levels keep the bucket's first instant as the
// representative date; part levels produce the component number. Weeks start
// on Monday.
type DateComparer struct {
	Level      DateLevel
	Descending bool
	// Location for bucketing; UTC when nil.
	Location *time.Location
}

func (c DateComparer) Compare(a, b any) int {
	if r, ok := othersLast(a, b); ok {
		return r
	}
	r := values.Compare(a, b)
	if c.Descending {
		return -r
	}
	return r
}

// Group buckets dates and date strings. Other values pass through unchanged.
func (c DateComparer) Group(v any) any {
	t, ok := ToTime(v)
	if !ok {
		return v
	}
	return c.Bucket(t)
}

// Bucket returns the bucket value for t.
func (c DateComparer) Bucket(t time.Time) any {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	y, m, d := t.Date()
	switch c.Level {
	case LevelYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	case LevelQuarter:
		return time.Date(y, (m-1)/3*3+1, 1, 0, 0, 0, 0, loc)
	case LevelMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case LevelWeek:
		back := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-back, 0, 0, 0, 0, loc)
	case LevelDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case LevelHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	case LevelMinute:
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
	case LevelSecond:
		return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, loc)
	case LevelQuarterOfYear:
		return (int(m)-1)/3 + 1
	case LevelMonthOfYear:
		return int(m)
	case LevelWeekOfYear:
		_, w := t.ISOWeek()
		return w
	case LevelDayOfMonth:
		return d
	case LevelDayOfWeek:
		return (int(t.Weekday())+6)%7 + 1
	case LevelDayOfYear:
		return t.YearDay()
	case LevelHourOfDay:
		return t.Hour()
	case LevelMinuteOfHour:
		return t.Minute()
	case LevelSecondOfMinute:
		return t.Second()
	}
	return t
}

// Next returns the bucket following v, used to fill gaps in a date series.
func (c DateComparer) Next(v any) (any, bool) {
	if n, ok := v.(int); ok && c.Level.IsPart() {
		return n + 1, true
	}
	t, ok := v.(time.Time)
	if !ok {
		return nil, false
	}
	switch c.Level {
	case LevelYear:
		return t.AddDate(1, 0, 0), true
	case LevelQuarter:
		return t.AddDate(0, 3, 0), true
	case LevelMonth:
		return t.AddDate(0, 1, 0), true
	case LevelWeek:
		return t.AddDate(0, 0, 7), true
	case LevelDay:
		return t.AddDate(0, 0, 1), true
	case LevelHour:
		return t.Add(time.Hour), true
	case LevelMinute:
		return t.Add(time.Minute), true
	case LevelSecond:
		return t.Add(time.Second), true
	}
	return nil, false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"01-02-06",
}

// ToTime converts time values and common date strings.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, l := range dateLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
