// ABOUTME: Version information for the recorder
// ABOUTME: Stamped into bus hellos, stream headers and the CLI banner
package version

const (
	// Version is the recorder release
	Version = "0.3.0"

	// Product is the product name reported to marker consumers
	Product = "MoBI-AV Recorder"

	// Manufacturer identifies the maintainers
	Manufacturer = "Child Mind Institute"
)
