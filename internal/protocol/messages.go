package protocol

// MessageType is the header's type discriminator
type MessageType string

// Message types exchanged on the control connection
const (
	TypeHello       MessageType = "hello"
	TypeHelloAck    MessageType = "hello_ack"
	TypeJobInit     MessageType = "job_init"
	TypeReady       MessageType = "ready"
	TypeAssign      MessageType = "assign"
	TypeFrameResult MessageType = "frame_result"
	TypeFrameFailed MessageType = "frame_failed"
	TypeCancel      MessageType = "cancel"
	TypeLog         MessageType = "log"
	TypeBye         MessageType = "bye"
)

// Hello is sent by a worker right after connecting
type Hello struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HelloAck completes the handshake
type HelloAck struct {
	ID string `json:"id,omitempty"`
}

// JobInit carries the job parameters; the scene file travels as the payload
type JobInit struct {
	JobID      string `json:"job_id"`
	FrameStart int    `json:"frame_start"`
	FrameEnd   int    `json:"frame_end"`
	FrameStep  int    `json:"frame_step"`
	ResX       int    `json:"res_x"`
	ResY       int    `json:"res_y"`
	Format     string `json:"format"`
	Engine     string `json:"engine"`
	BlendName  string `json:"blend_name"`
}

// Ready tells the coordinator the worker can take a frame
type Ready struct {
	JobID string `json:"job_id,omitempty"`
}

// Assign hands a single frame to a worker. Frame is never omitted because
// frame 0 is a valid frame number.
type Assign struct {
	JobID string `json:"job_id,omitempty"`
	Frame int    `json:"frame"`
}

// FrameResult accompanies the rendered image bytes
type FrameResult struct {
	JobID string `json:"job_id,omitempty"`
	Frame int    `json:"frame"`
	Ext   string `json:"ext"`
}

// FrameFailed reports that a frame could not be rendered
type FrameFailed struct {
	JobID string `json:"job_id,omitempty"`
	Frame int    `json:"frame"`
	Text  string `json:"text,omitempty"`
}

// Cancel aborts the active job on a worker
type Cancel struct {
	JobID string `json:"job_id,omitempty"`
}

// Log forwards a human readable line from a worker
type Log struct {
	Text string `json:"text"`
}
