package common

import "time"

// SourceType identifies how a camera's frames are obtained.
type SourceType string

const (
	// SourceTypeRTSP the service pulls frames from an RTSP session
	SourceTypeRTSP SourceType = "rtsp"
	// SourceTypePush frames arrive via the HTTP push ingest endpoint
	SourceTypePush SourceType = "http_push"
)

// CameraState is the lifecycle state of a registered camera.
type CameraState string

const (
	StateRegistering CameraState = "registering"
	StateConnecting  CameraState = "connecting"
	StateConnected   CameraState = "connected"
	StateDisconnected CameraState = "disconnected"
	StateStopped     CameraState = "stopped"
)

// CameraSpec is the caller-supplied request to register a new camera.
// Buffer size and motion parameters are optional per-camera overrides; a nil
// value means "use the environment-configured default" (§9 open question,
// resolved).
type CameraSpec struct {
	ID                    string     `json:"id" validate:"required"`
	SourceType            SourceType `json:"source_type" validate:"required,oneof=rtsp http_push"`
	SourceURL             *string    `json:"source_url,omitempty" validate:"omitempty"`
	BufferSize            *int       `json:"buffer_size,omitempty" validate:"omitempty,gt=0"`
	MotionThreshold       *int       `json:"motion_threshold,omitempty" validate:"omitempty,gte=0,lte=255"`
	MotionAreaMin         *float64   `json:"motion_area_min,omitempty" validate:"omitempty,gt=0,lte=1"`
	MotionCooldownSeconds *float64   `json:"motion_cooldown_seconds,omitempty" validate:"omitempty,gt=0"`
}

// CameraUpdate is the caller-supplied request to PATCH an existing camera.
type CameraUpdate struct {
	SourceURL   *string `json:"source_url,omitempty" validate:"omitempty"`
	Description *string `json:"description,omitempty" validate:"omitempty"`
}

// Camera is the in-memory, authoritative record of a registered camera. The
// Registry is its sole owner; nothing else mutates it in place.
type Camera struct {
	ID         string
	SourceType SourceType
	SourceURL  *string

	BufferSize            int
	MotionThreshold       int
	MotionAreaMin         float64
	MotionCooldownSeconds float64

	State               CameraState
	LastFrameAt         *time.Time
	ConsecutiveFailures int
	Description         *string

	CreatedAt time.Time
}

// Summary is the list-view projection of a Camera returned by `GET /api/cameras`.
type Summary struct {
	ID         string     `json:"id"`
	SourceType SourceType `json:"source_type"`
	State      CameraState `json:"state"`
	LastFrameAt *time.Time `json:"last_frame_at,omitempty"`
	Fill       int        `json:"fill"`
}

// CameraRecord is the durable subset of Camera's fields: identity and
// registration options only. State, LastFrameAt, ConsecutiveFailures, and the
// worker handle are runtime-only (§9, "Single long-lived process state") and
// never appear here.
type CameraRecord struct {
	ID                    string `gorm:"column:id;primaryKey"`
	SourceType            string `gorm:"column:source_type;not null"`
	SourceURL             *string `gorm:"column:source_url;default:null"`
	Description           *string `gorm:"column:description;default:null"`
	BufferSize            int    `gorm:"column:buffer_size;not null"`
	MotionThreshold       int    `gorm:"column:motion_threshold;not null"`
	MotionAreaMin         float64 `gorm:"column:motion_area_min;not null"`
	MotionCooldownSeconds float64 `gorm:"column:motion_cooldown_seconds;not null"`
	CreatedAt             time.Time
}

// TableName hard codes the persisted table name.
func (CameraRecord) TableName() string {
	return "cameras"
}

// EventType enumerates the events fanned out over the Event Bus Adapter.
type EventType string

const (
	EventCameraConnected    EventType = "camera.connected"
	EventCameraDisconnected EventType = "camera.disconnected"
	EventFrameIngested      EventType = "frame.ingested"
	EventMotionDetected     EventType = "motion.detected"
)

// Event is the envelope published on `camera:{camera_id}`.
type Event struct {
	Type      EventType `json:"event_type"`
	CameraID  string    `json:"camera_id"`
	Timestamp float64   `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Source    string    `json:"source,omitempty"`
	Seq       *uint64   `json:"seq,omitempty"`
	Area      *int      `json:"area,omitempty"`
}

// Channel returns the pub/sub channel name for this event's camera.
func (e Event) Channel() string {
	return "camera:" + e.CameraID
}
