package models

import (
	"sort"
	"strings"
	"time"
)

// Report dispatch retry states.
const (
	ReportPending   = "PENDING"
	ReportRetried   = "RETRIED"
	ReportFailed    = "FAILED"
	ReportDuplicate = "DUPLICATE"
)

// Report levels.
const (
	LevelTenant     = "tenant"
	LevelProject    = "project"
	LevelDepartment = "department"
	LevelCLevel     = "c-level"
)

// ReportStatistics is one entry of the report-dispatch retry ledger.
// Entries are never deleted; each sweep mutates status/attempt/reason.
type ReportStatistics struct {
	ID           string         `json:"id"`
	TriggeredAt  time.Time      `json:"triggered_at"`
	Attempt      int            `json:"attempt"`
	User         string         `json:"user"`
	Level        string         `json:"level"`
	Types        []string       `json:"types"`
	Status       string         `json:"status"`
	CustomerName string         `json:"customer_name"`
	Tenants      []string       `json:"tenants"`
	Reason       *string        `json:"reason,omitempty"`
	Event        map[string]any `json:"event,omitempty"`
}

// DispatchKey identifies the logical report this entry delivers, used
// for duplicate suppression within a sweep. The full tenant list is
// part of the identity; entries over different tenant sets are
// different reports.
func (r ReportStatistics) DispatchKey() string {
	tenants := append([]string(nil), r.Tenants...)
	sort.Strings(tenants)
	return r.CustomerName + ":" + strings.Join(tenants, ",") + ":" + r.Level
}
