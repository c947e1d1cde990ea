package buildinfo

import "fmt"

// BuildInfo identifies the build of an executable artifact. The fields are
// injected at link time.
type BuildInfo struct {
	Version    string
	CommitHash string
	BuildDate  string
}

// String returns the build info as a string.
func (i BuildInfo) String() string {
	v, c, d := i.Version, i.CommitHash, i.BuildDate
	if v == "" {
		v = "dev"
	}
	if c == "" {
		c = "unknown"
	}
	if d == "" {
		d = "unknown"
	}
	return fmt.Sprintf("version %s (%s) built on %s", v, c, d)
}
