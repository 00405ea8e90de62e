package config

// Linker-injected build metadata, for example:
//
//	go build -ldflags "-X loadiq/internal/config.version=0.4.0 \
//	    -X loadiq/internal/config.commit=$(git rev-parse --short HEAD)" ./cmd/loadiq
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected global variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// String renders the build for `loadiq version`.
func (b BuildInfo) String() string {
	return b.Version + " (" + b.Commit + ", built " + b.BuildTime + ")"
}
