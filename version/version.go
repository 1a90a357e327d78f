// Package version provides the build version of the registry, overridable
// at link time with -X.
package version

// Package is the overall, canonical project import path under which the
// package was built.
var Package = "github.com/GhostKellz/ghostdock"

// Version indicates which version of the binary is running. This is set to
// the latest release tag by hand, and is overridden by the official build
// with the exact revision.
var Version = "v0.1.0+unknown"
