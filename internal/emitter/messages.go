package emitter

import (
	"time"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/posture"
)

// Message types carried in the "type" field of every payload
const (
	TypeReport = "posture_report"
	TypeAlert  = "posture_alert"
	TypeHealth = "posture_health"
)

// ReportMessage is published on the reports topic.
type ReportMessage struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	DeskID     string         `json:"desk_id"`
	Report     posture.Report `json:"report"`
}

// AlertMessage is published on the alerts topic for every transition.
type AlertMessage struct {
	Type       string                 `json:"type"`
	InstanceID string                 `json:"instance_id"`
	DeskID     string                 `json:"desk_id"`
	Category   hysteresis.Category    `json:"category"`
	Kind       posture.TransitionKind `json:"kind"`
	Seq        uint64                 `json:"seq"`
	Timestamp  time.Time              `json:"timestamp"`
	TraceID    string                 `json:"trace_id,omitempty"`
	Window     hysteresis.WindowStats `json:"window"`
	Metrics    *posture.Metrics       `json:"metrics,omitempty"`
	Diffs      *posture.Diffs         `json:"diffs,omitempty"`
	Alerts     posture.Alerts         `json:"alerts"`
}
