package ledgerdb

const Version string = "v1.0.0"

// ShowVersion returns the current version of the ledgerdb package.
func ShowVersion() string {
	return Version
}
