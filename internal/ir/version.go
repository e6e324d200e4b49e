package ir

// Version constants for the persisted formats.
const (
	// RecordVersion is stamped on audit records and manifests.
	RecordVersion = "1"

	// Version is the corpus toolchain version.
	Version = "0.3.0"
)
