// Package version holds the SDK version reported by the CLI.
package version

// Version is the current release version.
const Version = "0.1.0"
