// Package domain holds the session-history records persisted by the
// gateway: treatment sessions, the data points sampled during them, and
// notable events.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a treatment session.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionError     SessionStatus = "error"
)

// Session is one treatment session record.
type Session struct {
	UUID   uuid.UUID `bson:"uuid" json:"uuid"`
	Number int       `bson:"number" json:"number"`

	StartTime time.Time  `bson:"start_time" json:"startTime"`
	EndTime   *time.Time `bson:"end_time,omitempty" json:"endTime,omitempty"`

	PlannedDurationMinutes int `bson:"planned_duration_minutes,omitempty" json:"plannedDurationMinutes,omitempty"`
	ActualDurationSeconds  int `bson:"actual_duration_seconds,omitempty" json:"actualDurationSeconds,omitempty"`

	Status           SessionStatus `bson:"status" json:"status"`
	CompletionReason string        `bson:"completion_reason,omitempty" json:"completionReason,omitempty"`

	TreatmentMode   string `bson:"treatment_mode,omitempty" json:"treatmentMode,omitempty"`
	CompressionMode string `bson:"compression_mode,omitempty" json:"compressionMode,omitempty"`
	OxygenMode      string `bson:"oxygen_mode,omitempty" json:"oxygenMode,omitempty"`

	TargetPressureATA  *float64 `bson:"target_pressure_ata,omitempty" json:"targetPressureAta,omitempty"`
	TargetTemperatureC *float64 `bson:"target_temperature_c,omitempty" json:"targetTemperatureC,omitempty"`

	MaxPressureATA   *float64 `bson:"max_pressure_ata,omitempty" json:"maxPressureAta,omitempty"`
	MinPressureATA   *float64 `bson:"min_pressure_ata,omitempty" json:"minPressureAta,omitempty"`
	AvgTemperatureC  *float64 `bson:"avg_temperature_c,omitempty" json:"avgTemperatureC,omitempty"`
	AvgOxygenPercent *float64 `bson:"avg_oxygen_percent,omitempty" json:"avgOxygenPercent,omitempty"`

	PatientID     string `bson:"patient_id,omitempty" json:"patientId,omitempty"`
	OperatorNotes string `bson:"operator_notes,omitempty" json:"operatorNotes,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// Active reports whether the session is still open.
func (s *Session) Active() bool {
	return s.EndTime == nil
}

// DataPoint is one sampled snapshot logged during an active session.
// Values are keyed by "category.name".
type DataPoint struct {
	SessionUUID uuid.UUID          `bson:"session_uuid" json:"sessionUuid"`
	Timestamp   time.Time          `bson:"timestamp" json:"timestamp"`
	Values      map[string]float64 `bson:"values" json:"values"`
}

// Event is a notable occurrence within a session.
type Event struct {
	SessionUUID uuid.UUID              `bson:"session_uuid" json:"sessionUuid"`
	Timestamp   time.Time              `bson:"timestamp" json:"timestamp"`
	Type        string                 `bson:"type" json:"type"`
	Data        map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
}
