package records

import "strings"

// DerivedStatus is the normalized UI-facing status of a record.
type DerivedStatus string

const (
	StatusPending   DerivedStatus = "Pending"
	StatusConfirmed DerivedStatus = "Confirmed"
	StatusWaiting   DerivedStatus = "Waiting"
	StatusSeen      DerivedStatus = "Seen"
)

const rawStatusScheduled = "agendado"

// explicitStatuses maps raw status values written by the reception,
// scheduling and nursing screens onto the closed status set.
var explicitStatuses = map[string]DerivedStatus{
	"pendente":       StatusPending,
	"pending":        StatusPending,
	"confirmado":     StatusConfirmed,
	"confirmed":      StatusConfirmed,
	"aguardando":     StatusWaiting,
	"waiting":        StatusWaiting,
	"enfermagem":     StatusWaiting,
	"atendido":       StatusSeen,
	"finalizado":     StatusSeen,
	"em atendimento": StatusSeen,
	"seen":           StatusSeen,
}

// AllStatuses lists the closed set of derived statuses in display order.
func AllStatuses() []DerivedStatus {
	return []DerivedStatus{StatusPending, StatusConfirmed, StatusWaiting, StatusSeen}
}

// String returns the status label.
func (s DerivedStatus) String() string {
	return string(s)
}

// ParseDerivedStatus maps a filter value onto the closed status set.
func ParseDerivedStatus(raw string) (DerivedStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", false
	}
	status, ok := explicitStatuses[normalized]
	return status, ok
}

// DeriveStatus projects raw record fields onto exactly one DerivedStatus.
// An explicit known status wins, then timestamps and flags, then Pending.
func DeriveStatus(record Record) DerivedStatus {
	raw := strings.ToLower(strings.TrimSpace(record.Status))
	if raw == rawStatusScheduled && !hasAppointmentDetails(record) {
		return StatusPending
	}
	if status, ok := explicitStatuses[raw]; ok {
		return status
	}

	switch {
	case record.SeenAt != nil, record.ProcedureDone:
		return StatusSeen
	case record.CheckedInAt != nil:
		return StatusWaiting
	case record.Confirmed:
		return StatusConfirmed
	default:
		return StatusPending
	}
}

func hasAppointmentDetails(record Record) bool {
	return strings.TrimSpace(record.Specialty) != "" &&
		strings.TrimSpace(record.Date) != "" &&
		strings.TrimSpace(record.Time) != ""
}
