// Package common holds process-wide helpers shared by the binaries: logger
// construction and build identification.
package common

// PackageName is used as the metrics namespace.
const PackageName = "signing_ceremony"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
