package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// CrashKindEnum classifies how a failure was detected
type CrashKindEnum string

const (
	ConnectionRefused CrashKindEnum = "connection_refused"
	ConnectionReset   CrashKindEnum = "connection_reset"
	ConnectionAborted CrashKindEnum = "connection_aborted"
	MonitorDetected   CrashKindEnum = "monitor"
	TargetDown        CrashKindEnum = "target_down"
)

// Crash represents a record in the public.crashes table
type Crash struct {
	ID            int           `gorm:"primaryKey;column:id"`
	SessionID     string        `gorm:"column:session_id;not null;index"`
	CreatedAt     time.Time     `gorm:"column:created_at;default:now()"`
	Target        string        `gorm:"column:target;not null"`
	RequestName   string        `gorm:"column:request_name;not null"`
	Primitive     string        `gorm:"column:primitive"`
	TestCaseIndex int           `gorm:"column:test_case_index"`
	Kind          CrashKindEnum `gorm:"column:kind;not null"`
	Reason        string        `gorm:"column:reason"`
	PayloadPath   string        `gorm:"column:payload_path;not null"`
	PayloadMd5    string        `gorm:"column:payload_md5;not null"`
	Detail        Metric        `gorm:"column:detail;type:jsonb"`
}

// SessionRun represents a record in the public.session_runs table
type SessionRun struct {
	ID         int       `gorm:"primaryKey;column:id"`
	SessionID  string    `gorm:"column:session_id;not null;uniqueIndex"`
	Target     string    `gorm:"column:target;not null"`
	Request    string    `gorm:"column:request_name;not null"`
	StartedAt  time.Time `gorm:"column:started_at"`
	FinishedAt time.Time `gorm:"column:finished_at"`
	Total      int       `gorm:"column:total"`
	Executed   int       `gorm:"column:executed"`
	Failures   int       `gorm:"column:failures"`
	Status     string    `gorm:"column:status"`
}

// Metric represents a jsonb field
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	*m = nil
	return json.Unmarshal(raw, m)
}
