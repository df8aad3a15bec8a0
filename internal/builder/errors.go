package builder

import "fmt"

// Kind classifies why a build failed.
type Kind string

const (
	NoManifestFound Kind = "NoManifestFound"
	ToolchainFailed Kind = "ToolchainFailed"
	NoBuildOutput   Kind = "NoBuildOutput"
	InvalidArchive  Kind = "InvalidArchive"
)

// BuildError is terminal for the deployment that produced it.
type BuildError struct {
	Kind   Kind
	Detail string
}

func (e *BuildError) Error() string {
	switch e.Kind {
	case NoManifestFound:
		return "build failed: no " + manifestFile + " found in archive"
	case NoBuildOutput:
		return "build failed: no build output directory (tried " + fmt.Sprint(outputDirs) + ")"
	case InvalidArchive:
		return "build failed: invalid archive: " + e.Detail
	default:
		if e.Detail == "" {
			return "build failed"
		}
		return "build failed: " + e.Detail
	}
}

func buildErr(kind Kind, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
