package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacilitatorMessage_RoundTrip(t *testing.T) {
	req := &V2JobRequest{
		UUID:               "0b8f4b6a-3f5a-4f0e-9c1d-2a7b8c9d0e1f",
		ExecutorClass:      "always_on.gpu-24gb",
		DockerImage:        "example/job:latest",
		Args:               []string{"--run"},
		UseGPU:             true,
		ExecutionTimeLimit: 60,
		Volume: &Volume{
			VolumeType: VolumeZipURL,
			URL:        "https://example.com/input.zip",
		},
	}
	raw, err := Marshal(req)
	require.NoError(t, err)

	msg, err := ParseFacilitatorMessage(raw)
	require.NoError(t, err)
	parsed, ok := msg.(*V2JobRequest)
	require.True(t, ok)
	assert.Equal(t, req.UUID, parsed.UUID)
	assert.Equal(t, "V2JobRequest", parsed.Type)
	assert.Equal(t, VolumeZipURL, parsed.Volume.VolumeType)
}

func TestFacilitatorMessage_RejectsInvalid(t *testing.T) {
	// Missing uuid and docker_image.
	_, err := ParseFacilitatorMessage([]byte(`{"message_type":"V2JobRequest","executor_class":"gpu"}`))
	require.Error(t, err)

	_, err = ParseFacilitatorMessage([]byte(`{"message_type":"SomethingElse"}`))
	require.ErrorContains(t, err, "unknown facilitator message")

	_, err = ParseFacilitatorMessage([]byte(`{}`))
	require.ErrorContains(t, err, "no message_type")
}

func TestMinerMessage_RoundTrip(t *testing.T) {
	decline := &V0DeclineJobRequest{
		JobUUID: "job-1",
		Reason:  DeclineBusy,
	}
	raw, err := Marshal(decline)
	require.NoError(t, err)

	msg, err := ParseMinerMessage(raw)
	require.NoError(t, err)
	parsed, ok := msg.(*V0DeclineJobRequest)
	require.True(t, ok)
	assert.Equal(t, DeclineBusy, parsed.Reason)
	assert.Empty(t, parsed.Receipts)
}

func TestMinerMessage_FailedCarriesExitStatus(t *testing.T) {
	raw := []byte(`{
		"message_type": "V0JobFailedRequest",
		"job_uuid": "job-1",
		"docker_process_exit_status": 137,
		"docker_process_stdout": "",
		"docker_process_stderr": "oom",
		"error_type": "HUGGINGFACE_DOWNLOAD"
	}`)
	msg, err := ParseMinerMessage(raw)
	require.NoError(t, err)
	failed, ok := msg.(*V0JobFailedRequest)
	require.True(t, ok)
	require.NotNil(t, failed.ExitStatus)
	assert.Equal(t, 137, *failed.ExitStatus)
	assert.Equal(t, ErrHuggingfaceDownload, failed.ErrorType)
}

func TestStatusUpdate_Marshal(t *testing.T) {
	upd := &JobStatusUpdate{
		UUID:   "job-1",
		Status: StatusFailed,
		Metadata: &StatusMetadata{
			Comment: "timed out waiting for initial response",
		},
	}
	raw, err := Marshal(upd)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message_type":"V0JobStatusUpdate"`)
	assert.Contains(t, string(raw), `"status":"failed"`)
}
