package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String names the binary, its build and the Go runtime it was built with.
func String(binary string) string {
	return binary + " " + Build + " (" + runtime.Version() + ")"
}
