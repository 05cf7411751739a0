package records

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	layoutISODate     = "2006-01-02"
	layoutDisplayDate = "02/01/2006"
)

// Criteria collects the active filter dimensions of a list view.
// Empty strings and zero times mean "match all" for that dimension.
type Criteria struct {
	Search       string
	Status       string
	Specialty    string
	Professional string
	Reception    string
	Start        time.Time
	End          time.Time
}

// Filter is a compiled Criteria. It is safe to reuse across goroutines.
type Filter struct {
	search       string
	status       DerivedStatus
	statusRaw    string
	specialty    string
	professional string
	reception    string
	start        civilDate
	end          civilDate
	hasStart     bool
	hasEnd       bool
	logger       *zap.Logger
}

// NewFilter compiles criteria into a predicate. Unparseable record dates are
// reported to logger and treated as matching.
func NewFilter(criteria Criteria, logger *zap.Logger) Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	filter := Filter{
		search:       strings.ToLower(strings.TrimSpace(criteria.Search)),
		statusRaw:    strings.TrimSpace(criteria.Status),
		specialty:    strings.TrimSpace(criteria.Specialty),
		professional: strings.TrimSpace(criteria.Professional),
		reception:    strings.TrimSpace(criteria.Reception),
		logger:       logger,
	}
	if status, ok := ParseDerivedStatus(filter.statusRaw); ok {
		filter.status = status
	}
	if !criteria.Start.IsZero() {
		filter.start = civilDateOf(criteria.Start)
		filter.hasStart = true
	}
	if !criteria.End.IsZero() {
		filter.end = civilDateOf(criteria.End)
		filter.hasEnd = true
	}
	return filter
}

// Matches reports whether record satisfies every active dimension.
func (f Filter) Matches(record Record) bool {
	return f.matchesSearch(record) &&
		f.matchesStatus(record) &&
		matchesCategory(f.specialty, record.Specialty) &&
		matchesCategory(f.professional, record.Professional) &&
		matchesCategory(f.reception, record.Reception) &&
		f.matchesDate(record)
}

// Apply returns the matching records in their original order.
func (f Filter) Apply(collection []Record) []Record {
	matched := make([]Record, 0, len(collection))
	for _, record := range collection {
		if f.Matches(record) {
			matched = append(matched, record)
		}
	}
	return matched
}

func (f Filter) matchesSearch(record Record) bool {
	if f.search == "" {
		return true
	}
	return containsFold(record.Name, f.search) ||
		containsFold(record.Identifier, f.search) ||
		containsFold(record.Key.String(), f.search)
}

func (f Filter) matchesStatus(record Record) bool {
	if f.statusRaw == "" {
		return true
	}
	if f.status == "" {
		// an unknown status label can never be produced by DeriveStatus
		return false
	}
	return DeriveStatus(record) == f.status
}

func (f Filter) matchesDate(record Record) bool {
	if !f.hasStart && !f.hasEnd {
		return true
	}
	date, ok := parseRecordDate(record.Date)
	if !ok {
		f.logger.Warn("record date unparseable, keeping record in date-filtered view",
			zap.String("record_id", record.Key.String()),
			zap.String("date", record.Date))
		return true
	}
	if f.hasStart && date.before(f.start) {
		return false
	}
	if f.hasEnd && f.end.before(date) {
		return false
	}
	return true
}

func matchesCategory(want, got string) bool {
	if want == "" {
		return true
	}
	return strings.EqualFold(want, strings.TrimSpace(got))
}

func containsFold(value, loweredNeedle string) bool {
	if value == "" {
		return false
	}
	return strings.Contains(strings.ToLower(value), loweredNeedle)
}

// civilDate is a calendar day without a clock or location.
type civilDate struct {
	year  int
	month time.Month
	day   int
}

func civilDateOf(t time.Time) civilDate {
	year, month, day := t.Date()
	return civilDate{year: year, month: month, day: day}
}

func (d civilDate) before(other civilDate) bool {
	if d.year != other.year {
		return d.year < other.year
	}
	if d.month != other.month {
		return d.month < other.month
	}
	return d.day < other.day
}

// ParseDate reads a record date in yyyy-MM-dd or dd/MM/yyyy form.
func ParseDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{layoutISODate, layoutDisplayDate} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func parseRecordDate(raw string) (civilDate, bool) {
	parsed, ok := ParseDate(raw)
	if !ok {
		return civilDate{}, false
	}
	return civilDateOf(parsed), true
}
