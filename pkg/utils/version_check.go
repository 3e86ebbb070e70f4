package utils

import (
	"strings"

	"golang.org/x/mod/semver"
)

const (
	RequiredClientVersion string = "v0.4.0"
)

// CheckClientVersion reports if a game client build is recent enough to
// stream duels to this server.
func CheckClientVersion(toCheck string) bool {
	if !strings.HasPrefix(toCheck, "v") {
		toCheck = "v" + toCheck
	}
	res := semver.Compare(toCheck, RequiredClientVersion)
	return res >= 0
}
