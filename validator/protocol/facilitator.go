package protocol

import (
	"github.com/pkg/errors"
)

// Job status values reported to the facilitator.
const (
	StatusReceived      = "received"
	StatusAccepted      = "accepted"
	StatusExecutorReady = "executor_ready"
	StatusVolumesReady  = "volumes_ready"
	StatusRejected      = "rejected"
	StatusFailed        = "failed"
	StatusCompleted     = "completed"
)

// AuthenticationRequest opens the facilitator link: the validator proves
// hotkey ownership by signing its own public key.
type AuthenticationRequest struct {
	Typed
	PublicKey string `json:"public_key" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// MessageType implements Message.
func (*AuthenticationRequest) MessageType() string { return "V0AuthenticationRequest" }

// Response acknowledges a validator message on the facilitator link.
type Response struct {
	Typed
	Status string   `json:"status" validate:"required,oneof=success error"`
	Errors []string `json:"errors,omitempty"`
}

// MessageType implements Message.
func (*Response) MessageType() string { return "Response" }

// Failed reports whether the facilitator rejected the message.
func (r *Response) Failed() bool { return r.Status != "success" }

// V2JobRequest is an organic job submitted through the facilitator.
type V2JobRequest struct {
	Typed
	UUID          string            `json:"uuid" validate:"required,uuid4"`
	ExecutorClass string            `json:"executor_class" validate:"required"`
	DockerImage   string            `json:"docker_image" validate:"required"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	UseGPU        bool              `json:"use_gpu"`

	// OnTrustedMiner routes the job to the configured trusted miner,
	// bypassing selection.
	OnTrustedMiner bool          `json:"on_trusted_miner,omitempty"`
	Volume         *Volume       `json:"volume,omitempty"`
	OutputUpload   *OutputUpload `json:"output_upload,omitempty"`
	ArtifactsDir   string        `json:"artifacts_dir,omitempty"`

	// Stage time limits in seconds.
	DownloadTimeLimit  int64 `json:"download_time_limit" validate:"gte=0"`
	ExecutionTimeLimit int64 `json:"execution_time_limit" validate:"gte=0"`
	UploadTimeLimit    int64 `json:"upload_time_limit" validate:"gte=0"`
}

// MessageType implements Message.
func (*V2JobRequest) MessageType() string { return "V2JobRequest" }

// V0JobCheated is the facilitator's out-of-band report that a completed
// job's results were forged.
type V0JobCheated struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
}

// MessageType implements Message.
func (*V0JobCheated) MessageType() string { return "V0JobCheated" }

// V0Heartbeat keeps the facilitator link alive.
type V0Heartbeat struct {
	Typed
}

// MessageType implements Message.
func (*V0Heartbeat) MessageType() string { return "V0Heartbeat" }

// MinerResponse carries the miner's final words inside a status update.
type MinerResponse struct {
	MessageType string            `json:"message_type"`
	Stdout      string            `json:"docker_process_stdout,omitempty"`
	Stderr      string            `json:"docker_process_stderr,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// StatusMetadata explains a status transition to the facilitator.
type StatusMetadata struct {
	Comment       string         `json:"comment"`
	MinerResponse *MinerResponse `json:"miner_response,omitempty"`
}

// JobStatusUpdate reports one job state transition to the facilitator.
type JobStatusUpdate struct {
	Typed
	UUID     string          `json:"uuid" validate:"required"`
	Status   string          `json:"status" validate:"required,oneof=received accepted executor_ready volumes_ready rejected failed completed"`
	Metadata *StatusMetadata `json:"metadata,omitempty"`
}

// MessageType implements Message.
func (*JobStatusUpdate) MessageType() string { return "V0JobStatusUpdate" }

// ParseFacilitatorMessage decodes an inbound facilitator frame.
func ParseFacilitatorMessage(raw []byte) (Message, error) {
	kind, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "V2JobRequest":
		return decodeAs(raw, &V2JobRequest{})
	case "V0JobCheated":
		return decodeAs(raw, &V0JobCheated{})
	case "Response":
		return decodeAs(raw, &Response{})
	default:
		return nil, errors.Errorf("unknown facilitator message %q", kind)
	}
}
