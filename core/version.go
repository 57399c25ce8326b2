package core

// Version information for the weft workflow runtime
const (
	// Version is the current runtime version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
