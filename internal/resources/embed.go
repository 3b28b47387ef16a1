// Package resources embeds the sample data used to seed the pipelines.
package resources

import (
	"embed"
	"io/fs"
)

//go:embed example1 iot
var assets embed.FS

// Seed resource names within FS.
const (
	CustomerCohorts = "example1/customer_cohorts.json"
	Recipients      = "iot/recipients.json"
)

// FS returns the embedded resources rooted so that cohort file locations
// such as /example1/customers/... resolve after trimming the leading slash.
func FS() fs.FS { return assets }
