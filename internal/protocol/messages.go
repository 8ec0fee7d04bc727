package protocol

import "time"

// DetectRequest asks the bus detection service to classify one clip.
type DetectRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format,omitempty"`
}

// DetectResponse is the reply to a DetectRequest. Error is set instead of
// the verdict fields when the request could not be processed.
type DetectResponse struct {
	RequestID      string   `json:"request_id,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Confidence     float64  `json:"confidence"`
	Explanation    []string `json:"explanation,omitempty"`
	Language       string   `json:"language,omitempty"`
	Error          string   `json:"error,omitempty"`
	Details        string   `json:"details,omitempty"`
}

// DetectionEvent is broadcast after every successful detection.
type DetectionEvent struct {
	RequestID       string    `json:"request_id"`
	Source          string    `json:"source"`
	Classification  string    `json:"classification"`
	Confidence      float64   `json:"confidence"`
	Explanation     []string  `json:"explanation"`
	Language        string    `json:"language,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	Degenerate      bool      `json:"degenerate"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectDetectRequest = "voiceguard.detect.request"
	SubjectDetectResult  = "voiceguard.detect.result"
)

// NodeAnnouncement advertises a detector instance and the model it serves.
// It is sent on startup and repeated with every heartbeat.
type NodeAnnouncement struct {
	NodeID           string    `json:"node_id"`
	Version          string    `json:"version,omitempty"`
	ModelFingerprint string    `json:"model_fingerprint,omitempty"`
	ModelTrees       int       `json:"model_trees,omitempty"`
	ModelTrainedAt   time.Time `json:"model_trained_at,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "voiceguard.node.announce"
	SubjectNodeHeartbeatPrefix = "voiceguard.node.heartbeat."
)
