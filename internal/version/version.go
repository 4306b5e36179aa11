package version

// Build metadata, overridden via -ldflags at release time.
var (
	// Version is the retrace release version.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)
