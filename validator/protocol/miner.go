package protocol

import (
	"github.com/forgenet/forge/validator/receipts"
	"github.com/pkg/errors"
)

// DeclineReason is a miner's stated ground for refusing a job.
type DeclineReason string

const (
	// DeclineBusy means every declared executor is occupied. Legitimate
	// only with sufficient excuse receipts attached.
	DeclineBusy DeclineReason = "busy"
	// DeclineSecurity means the miner refused the job content.
	DeclineSecurity DeclineReason = "security"
	// DeclineValidatorBlacklisted means the miner refuses this validator.
	DeclineValidatorBlacklisted DeclineReason = "validator_blacklisted"
)

// V0AuthenticateRequest opens a per-job miner connection: the validator
// signs the payload blob with its hotkey.
type V0AuthenticateRequest struct {
	Typed
	Payload   AuthenticationPayload `json:"payload" validate:"required"`
	Signature string                `json:"signature" validate:"required"`
}

// AuthenticationPayload identifies both ends of a miner connection.
type AuthenticationPayload struct {
	ValidatorHotkey string `json:"validator_hotkey" validate:"required"`
	MinerHotkey     string `json:"miner_hotkey" validate:"required"`
	Timestamp       int64  `json:"timestamp" validate:"required"`
}

// MessageType implements Message.
func (*V0AuthenticateRequest) MessageType() string { return "V0AuthenticateRequest" }

// V0InitialJobRequest asks a miner to reserve an executor. It carries the
// validator-signed JobStartedReceipt payload the miner countersigns on
// acceptance.
type V0InitialJobRequest struct {
	Typed
	UUID          string `json:"uuid" validate:"required"`
	ExecutorClass string `json:"executor_class" validate:"required"`
	DockerImage   string `json:"docker_image" validate:"required"`
	// TimeoutSeconds bounds the whole job on the miner side.
	TimeoutSeconds int64 `json:"timeout_seconds" validate:"gt=0"`
	// VolumeInfo advertises the download workload before the full request.
	VolumeInfo *Volume `json:"volume,omitempty"`

	JobStartedReceiptPayload   []byte `json:"job_started_receipt_payload" validate:"required"`
	JobStartedReceiptSignature string `json:"job_started_receipt_signature" validate:"required"`
}

// MessageType implements Message.
func (*V0InitialJobRequest) MessageType() string { return "V0InitialJobRequest" }

// V0JobRequest is the full job description sent once the executor is ready.
type V0JobRequest struct {
	Typed
	UUID         string            `json:"uuid" validate:"required"`
	DockerImage  string            `json:"docker_image" validate:"required"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	UseGPU       bool              `json:"use_gpu"`
	Volume       *Volume           `json:"volume,omitempty"`
	OutputUpload *OutputUpload     `json:"output_upload,omitempty"`
	ArtifactsDir string            `json:"artifacts_dir,omitempty"`
}

// MessageType implements Message.
func (*V0JobRequest) MessageType() string { return "V0JobRequest" }

// V0AcceptJobRequest is the miner's acceptance of an initial job request. It
// carries the miner's countersignature over the JobStartedReceipt payload
// from the initial request, confirming the allowance spend.
type V0AcceptJobRequest struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
	// JobStartedReceiptSignature is the miner's signature over the raw
	// receipt payload bytes.
	JobStartedReceiptSignature string `json:"job_started_receipt_signature,omitempty"`
}

// MessageType implements Message.
func (*V0AcceptJobRequest) MessageType() string { return "V0AcceptJobRequest" }

// V0DeclineJobRequest is the miner's refusal, optionally justified by
// excuse receipts.
type V0DeclineJobRequest struct {
	Typed
	JobUUID string        `json:"job_uuid" validate:"required"`
	Reason  DeclineReason `json:"reason" validate:"required"`
	// Receipts are JobAccepted receipts from other validators proving the
	// miner's executors are genuinely occupied.
	Receipts []*receipts.Receipt `json:"receipts,omitempty"`
}

// MessageType implements Message.
func (*V0DeclineJobRequest) MessageType() string { return "V0DeclineJobRequest" }

// V0ExecutorReadyRequest reports that an executor was spun up for the job.
type V0ExecutorReadyRequest struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
}

// MessageType implements Message.
func (*V0ExecutorReadyRequest) MessageType() string { return "V0ExecutorReadyRequest" }

// V0ExecutorFailedRequest reports that the executor could not start.
type V0ExecutorFailedRequest struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
	Details string `json:"details,omitempty"`
}

// MessageType implements Message.
func (*V0ExecutorFailedRequest) MessageType() string { return "V0ExecutorFailedRequest" }

// V0VolumesReadyRequest reports that all job volumes downloaded.
type V0VolumesReadyRequest struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
}

// MessageType implements Message.
func (*V0VolumesReadyRequest) MessageType() string { return "V0VolumesReadyRequest" }

// V0ExecutionDoneRequest reports that the job process exited and uploads
// are starting.
type V0ExecutionDoneRequest struct {
	Typed
	JobUUID string `json:"job_uuid" validate:"required"`
}

// MessageType implements Message.
func (*V0ExecutionDoneRequest) MessageType() string { return "V0ExecutionDoneRequest" }

// V0JobFinishedRequest is the miner's successful terminal response.
type V0JobFinishedRequest struct {
	Typed
	JobUUID   string            `json:"job_uuid" validate:"required"`
	Stdout    string            `json:"docker_process_stdout"`
	Stderr    string            `json:"docker_process_stderr"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// MessageType implements Message.
func (*V0JobFinishedRequest) MessageType() string { return "V0JobFinishedRequest" }

// JobFailureErrorType subclassifies a V0JobFailedRequest.
type JobFailureErrorType string

// ErrHuggingfaceDownload marks failures in model prefetch rather than the
// job itself.
const ErrHuggingfaceDownload JobFailureErrorType = "HUGGINGFACE_DOWNLOAD"

// V0JobFailedRequest is the miner's failed terminal response.
type V0JobFailedRequest struct {
	Typed
	JobUUID     string              `json:"job_uuid" validate:"required"`
	ExitStatus  *int                `json:"docker_process_exit_status,omitempty"`
	Stdout      string              `json:"docker_process_stdout"`
	Stderr      string              `json:"docker_process_stderr"`
	ErrorType   JobFailureErrorType `json:"error_type,omitempty"`
	ErrorDetail string              `json:"error_detail,omitempty"`
}

// MessageType implements Message.
func (*V0JobFailedRequest) MessageType() string { return "V0JobFailedRequest" }

// ParseMinerMessage decodes an inbound miner frame.
func ParseMinerMessage(raw []byte) (Message, error) {
	kind, err := peekType(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "V0AcceptJobRequest":
		return decodeAs(raw, &V0AcceptJobRequest{})
	case "V0DeclineJobRequest":
		return decodeAs(raw, &V0DeclineJobRequest{})
	case "V0ExecutorReadyRequest":
		return decodeAs(raw, &V0ExecutorReadyRequest{})
	case "V0ExecutorFailedRequest":
		return decodeAs(raw, &V0ExecutorFailedRequest{})
	case "V0VolumesReadyRequest":
		return decodeAs(raw, &V0VolumesReadyRequest{})
	case "V0ExecutionDoneRequest":
		return decodeAs(raw, &V0ExecutionDoneRequest{})
	case "V0JobFinishedRequest":
		return decodeAs(raw, &V0JobFinishedRequest{})
	case "V0JobFailedRequest":
		return decodeAs(raw, &V0JobFailedRequest{})
	default:
		return nil, errors.Errorf("unknown miner message %q", kind)
	}
}
