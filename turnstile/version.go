package turnstile

import (
	"golang.org/x/mod/semver"

	"github.com/kolkov/kernsync/internal/kernsync/bootargs"
)

// Version information for the turnstile runtime.
const (
	// Version is the current version of the runtime.
	Version = "v0.3.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 3

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the turnstile subsystem.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Algorithm names the inheritance scheme.
	Algorithm string

	// MaxHops is the default propagation bound.
	MaxHops int
}

// GetInfo returns information about the runtime.
//
// Example:
//
//	info := turnstile.GetInfo()
//	fmt.Printf("turnstile %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:   Version,
		Algorithm: "turnstile priority inheritance",
		MaxHops:   bootargs.DefaultMaxHops,
	}
}

// Compatible reports whether code written against version v can run on
// this runtime. v must be a valid semantic version no newer than Version
// with the same major version. Before v1 the minor version must match too.
func Compatible(v string) bool {
	if !semver.IsValid(v) {
		return false
	}
	if semver.Compare(v, Version) > 0 {
		return false
	}
	if semver.Major(Version) == "v0" {
		return semver.MajorMinor(v) == semver.MajorMinor(Version)
	}
	return semver.Major(v) == semver.Major(Version)
}
