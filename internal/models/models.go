package models

import (
	"strings"
	"time"
)

// Status is the operating state of a single machine as reported by the server.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusStopped     Status = "STOPPED"
	StatusMaintenance Status = "MAINTENANCE"
	StatusError       Status = "ERROR"
	StatusOffShift    Status = "OFF_SHIFT"
	StatusUnknown     Status = "UNKNOWN"
)

// NormalizeStatus maps a server-sent status string onto the known set,
// case-insensitively. Anything unrecognized becomes StatusUnknown so a
// misspelled status from an older server never produces a phantom bucket
// in the aggregates.
func NormalizeStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RUNNING":
		return StatusRunning
	case "STOPPED":
		return StatusStopped
	case "MAINTENANCE":
		return StatusMaintenance
	case "ERROR":
		return StatusError
	case "OFF_SHIFT", "OFFSHIFT", "OFF-SHIFT":
		return StatusOffShift
	default:
		return StatusUnknown
	}
}

// Alert is a single alert attached to a machine.
type Alert struct {
	ID           string    `json:"id"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MachineState is the canonical record for one physical machine. The store
// keeps exactly one per machine id; records are only ever merged into, never
// deleted, for the lifetime of a session. LastUpdated is the local receipt
// time of the last event touching the record, not a server timestamp.
type MachineState struct {
	ID              string    `json:"machineId"`
	Name            string    `json:"machineName,omitempty"`
	Status          Status    `json:"status"`
	CurrentOperator string    `json:"currentOperator,omitempty"`
	OperationNotes  string    `json:"operationNotes,omitempty"`
	ProductionSpeed float64   `json:"productionSpeed"`
	Efficiency      float64   `json:"efficiency"`
	ProductionToday int       `json:"productionToday"`
	Line            string    `json:"line"`
	Location        string    `json:"location"`
	Alerts          []Alert   `json:"alerts,omitempty"`
	LastUpdated     time.Time `json:"lastUpdated"`
	LastUpdatedBy   string    `json:"lastUpdatedBy,omitempty"`
}

// OpenAlerts counts the alerts on this machine that have not been acknowledged.
func (m *MachineState) OpenAlerts() int {
	n := 0
	for _, a := range m.Alerts {
		if !a.Acknowledged {
			n++
		}
	}
	return n
}

// MachinePatch is a partial update for a machine record. Only non-nil fields
// are merged; everything else on the existing record is left untouched.
type MachinePatch struct {
	Name            *string  `json:"machineName,omitempty"`
	Status          *string  `json:"status,omitempty"`
	CurrentOperator *string  `json:"currentOperator,omitempty"`
	OperationNotes  *string  `json:"operationNotes,omitempty"`
	ProductionSpeed *float64 `json:"productionSpeed,omitempty"`
	Efficiency      *float64 `json:"efficiency,omitempty"`
	ProductionToday *int     `json:"productionToday,omitempty"`
	Line            *string  `json:"line,omitempty"`
	Location        *string  `json:"location,omitempty"`
	Alerts          []Alert  `json:"alerts,omitempty"`
	UpdatedBy       *string  `json:"updatedBy,omitempty"`
}

// IsZero reports whether the patch carries no fields at all.
func (p *MachinePatch) IsZero() bool {
	return p.Name == nil && p.Status == nil && p.CurrentOperator == nil &&
		p.OperationNotes == nil && p.ProductionSpeed == nil && p.Efficiency == nil &&
		p.ProductionToday == nil && p.Line == nil && p.Location == nil &&
		p.Alerts == nil && p.UpdatedBy == nil
}

// ApplyTo merges the patch into m field by field and reports whether any
// field actually changed. Absent (nil) fields are never overwritten, which is
// what makes partial updates from the wire safe; identical values merge as a
// no-op, which is what makes re-delivered events idempotent.
func (p *MachinePatch) ApplyTo(m *MachineState) bool {
	changed := false
	if p.Name != nil && m.Name != *p.Name {
		m.Name = *p.Name
		changed = true
	}
	if p.Status != nil {
		if st := NormalizeStatus(*p.Status); m.Status != st {
			m.Status = st
			changed = true
		}
	}
	if p.CurrentOperator != nil && m.CurrentOperator != *p.CurrentOperator {
		m.CurrentOperator = *p.CurrentOperator
		changed = true
	}
	if p.OperationNotes != nil && m.OperationNotes != *p.OperationNotes {
		m.OperationNotes = *p.OperationNotes
		changed = true
	}
	if p.ProductionSpeed != nil && m.ProductionSpeed != *p.ProductionSpeed {
		m.ProductionSpeed = *p.ProductionSpeed
		changed = true
	}
	if p.Efficiency != nil && m.Efficiency != *p.Efficiency {
		m.Efficiency = *p.Efficiency
		changed = true
	}
	if p.ProductionToday != nil && m.ProductionToday != *p.ProductionToday {
		m.ProductionToday = *p.ProductionToday
		changed = true
	}
	if p.Line != nil && m.Line != *p.Line {
		m.Line = *p.Line
		changed = true
	}
	if p.Location != nil && m.Location != *p.Location {
		m.Location = *p.Location
		changed = true
	}
	if p.Alerts != nil {
		m.Alerts = p.Alerts
		changed = true
	}
	if p.UpdatedBy != nil && m.LastUpdatedBy != *p.UpdatedBy {
		m.LastUpdatedBy = *p.UpdatedBy
		changed = true
	}
	return changed
}

// PermissionGrant records what a single user may do with a single machine.
type PermissionGrant struct {
	UserID     string `json:"userId"`
	MachineID  string `json:"machineId"`
	CanView    bool   `json:"canView"`
	CanOperate bool   `json:"canOperate"`
	CanEdit    bool   `json:"canEdit"`
}

// FleetAggregates is a point-in-time summary of the whole canonical store.
// It is recomputed from scratch on every query rather than maintained
// incrementally, so it cannot drift from the store.
type FleetAggregates struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"byStatus"`
	AverageEfficiency float64        `json:"averageEfficiency"`
	ProductionToday   int            `json:"productionToday"`
	OpenAlerts        int            `json:"openAlerts"`
}

// User is a dashboard account as returned by the login endpoint.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
}
