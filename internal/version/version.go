package version

import (
	"strconv"
	"strings"
)

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// Word packs Version into the output packet header format:
// major<<24 | minor<<16 | bugfix<<8 | build. A leading "v" is ignored and
// components that are missing or not numeric pack as zero, so "dev" is 0.
func Word() uint32 {
	return Pack(Version)
}

// Pack is Word for an arbitrary version string.
func Pack(v string) uint32 {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var w uint32
	for i, part := range strings.SplitN(v, ".", 4) {
		n, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			continue
		}
		w |= uint32(n) << (24 - 8*i)
	}
	return w
}
