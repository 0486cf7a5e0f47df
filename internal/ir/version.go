package ir

// Version constants for the generator and its IR.
const (
	// IRVersion is the IR schema version.
	IRVersion = "1"

	// GeneratorVersion is the cohortgen generator version. Stored with every
	// run; a different version may legitimately produce different cohorts.
	GeneratorVersion = "0.1.0"
)
