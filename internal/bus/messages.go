package bus

// Event is one outbound message. Every event carries a "type" discriminator
// and, when upload-scoped, a "contentId". Modeled as a map rather than one
// struct per type because the outbound catalogue in the message bus
// component is heterogeneous and callers already have the exact field set
// they want to send.
type Event map[string]interface{}

// NewEvent builds an Event of the given type with the supplied fields
// merged in. fields may be nil.
func NewEvent(eventType string, fields map[string]interface{}) Event {
	e := make(Event, len(fields)+1)
	e["type"] = eventType
	for k, v := range fields {
		e[k] = v
	}
	return e
}

// Outbound event type discriminators, per the message bus catalogue.
const (
	EventInitiateUploadResponse = "INITIATE_UPLOAD_RESPONSE"
	EventUploadProgress         = "UPLOAD_PROGRESS"
	EventChunkUploaded          = "CHUNK_UPLOADED"
	EventRetryingChunk          = "RETRYING_CHUNK"
	EventUploadComplete         = "UPLOAD_COMPLETE"
	EventUploadError            = "UPLOAD_ERROR"
	EventUploadPaused           = "UPLOAD_PAUSED"
	EventUploadCancelled        = "UPLOAD_CANCELLED"
	EventUploadStatus           = "UPLOAD_STATUS"
	EventUploadsUpdate          = "UPLOADS_UPDATE"
	EventLog                    = "LOG"
)

// Inbound command type discriminators.
const (
	CommandStartUpload      = "START_UPLOAD"
	CommandResumeUpload     = "RESUME_UPLOAD"
	CommandPauseUpload      = "PAUSE_UPLOAD"
	CommandCancelUpload     = "CANCEL_UPLOAD"
	CommandGetUploadStatus  = "GET_UPLOAD_STATUS"
	CommandGetActiveUploads = "GET_ACTIVE_UPLOADS"
	CommandHeartbeat        = "HEARTBEAT"
)

// commandEnvelope is decoded first to read the type discriminator before
// the full payload is decoded into a type-specific struct.
type commandEnvelope struct {
	Type string `json:"type"`
}

// StartUploadPayload is the payload of a START_UPLOAD command.
type StartUploadPayload struct {
	FilePath     string `json:"file"`
	Duration     int    `json:"duration"`
	FileType     string `json:"fileType"`
	RetryConfig  *struct {
		Attempts int `json:"attempts"`
	} `json:"retryConfig,omitempty"`
	ChunkConfig *struct {
		PartSize             int64 `json:"partSize"`
		MaxConcurrentUploads int   `json:"maxConcurrentUploads"`
	} `json:"chunkConfig,omitempty"`
}

// ContentIDPayload is shared by RESUME_UPLOAD, PAUSE_UPLOAD, CANCEL_UPLOAD,
// and GET_UPLOAD_STATUS, all of which carry only a contentId.
type ContentIDPayload struct {
	ContentID string `json:"contentId"`
}
