package version

import (
	"strconv"
	"time"
)

// Set at link time:
//
//	go build -ldflags "-X github.com/nais/skilld/pkg/version.version=$(git describe) -X github.com/nais/skilld/pkg/version.buildTime=$(date +%s)"
var (
	version   = "unknown"
	buildTime = "0"
)

func Version() string {
	return version
}

// BuildTime returns the time this binary was built, as set by the linker.
func BuildTime() (time.Time, error) {
	seconds, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0), nil
}
