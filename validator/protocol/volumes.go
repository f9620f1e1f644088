package protocol

// VolumeType discriminates job input volume variants.
type VolumeType string

const (
	// VolumeInline is base64 zip content carried in the message itself.
	VolumeInline VolumeType = "inline"
	// VolumeSingleFile is one file fetched from a URL.
	VolumeSingleFile VolumeType = "single_file"
	// VolumeZipURL is a zip archive fetched from a URL and extracted.
	VolumeZipURL VolumeType = "zip_url"
	// VolumeMulti nests several volumes mounted together.
	VolumeMulti VolumeType = "multi_volume"
	// VolumeHuggingface is a model snapshot pulled from the Hugging Face
	// hub.
	VolumeHuggingface VolumeType = "huggingface_volume"
)

// Volume describes one job input. Fields are variant-specific; VolumeType
// picks the downloader.
type Volume struct {
	VolumeType VolumeType `json:"volume_type" validate:"required"`
	// Contents is the base64 zip payload of an inline volume.
	Contents string `json:"contents,omitempty"`
	// URL feeds single_file and zip_url volumes.
	URL string `json:"url,omitempty"`
	// RelativePath is where the volume lands under the job volume root.
	RelativePath string `json:"relative_path,omitempty"`
	// Volumes nests the parts of a multi_volume.
	Volumes []Volume `json:"volumes,omitempty"`
	// RepoID and Revision address a huggingface_volume snapshot.
	RepoID   string `json:"repo_id,omitempty"`
	Revision string `json:"revision,omitempty"`
	// AllowPatterns filters huggingface downloads.
	AllowPatterns []string `json:"allow_patterns,omitempty"`
}

// OutputUploadType discriminates result upload variants.
type OutputUploadType string

const (
	// UploadZipAndPost zips the output directory and POSTs it as form
	// multipart.
	UploadZipAndPost OutputUploadType = "zip_and_http_post"
	// UploadZipAndPut zips the output directory and PUTs the bytes.
	UploadZipAndPut OutputUploadType = "zip_and_http_put"
	// UploadMulti uploads named single files plus a system zip of the rest.
	UploadMulti OutputUploadType = "multi_upload"
)

// SingleFileUpload addresses one named output file inside a multi_upload.
type SingleFileUpload struct {
	URL           string            `json:"url" validate:"required,url"`
	RelativePath  string            `json:"relative_path" validate:"required"`
	SignedHeaders map[string]string `json:"signed_headers,omitempty"`
}

// OutputUpload describes where job results go. Fields are variant-specific;
// OutputUploadType picks the uploader.
type OutputUpload struct {
	OutputUploadType OutputUploadType `json:"output_upload_type" validate:"required"`
	// URL receives the zip for zip_and_http_post / zip_and_http_put.
	URL string `json:"url,omitempty"`
	// FormFields ride along on multipart POSTs.
	FormFields map[string]string `json:"form_fields,omitempty"`
	// Uploads are the named files of a multi_upload.
	Uploads []SingleFileUpload `json:"uploads,omitempty"`
	// SystemOutputUpload receives the remainder zip of a multi_upload.
	SystemOutputUpload *OutputUpload `json:"system_output_upload,omitempty"`
}
