// ABOUTME: Version and product identification
// ABOUTME: Version can be overridden at link time with -ldflags -X
package version

import "fmt"

// Version is the release version, set with
// -ldflags "-X github.com/Resonate-Protocol/resonate-ttp/internal/version.Version=v0.2.0"
var Version = "0.1.0"

const (
	Product      = "Resonate TTP Player"
	Manufacturer = "Resonate"
)

// String returns the product and version on one line
func String() string {
	return fmt.Sprintf("%s %s (%s)", Product, Version, Manufacturer)
}
