package main

import (
	"errors"

	"github.com/sells-group/dmi/internal/calc"
	"github.com/sells-group/dmi/internal/contract"
	"github.com/sells-group/dmi/internal/pipeline"
	"github.com/sells-group/dmi/internal/weights"
)

// Process exit codes by error class.
const (
	exitFailure    = 1
	exitStructural = 3
	exitCoverage   = 4
	exitBlocked    = 5
	exitSchema     = 6
)

// exitCode maps a command error to its process exit code. A schema
// violation surfaces through a blocked publication, so it is matched first.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		sve     *weights.StructuralValidationError
		cov     *calc.CoverageError
		schema  *contract.SchemaValidationError
		blocked *pipeline.PublishBlockedError
	)
	switch {
	case errors.As(err, &sve):
		return exitStructural
	case errors.As(err, &cov):
		return exitCoverage
	case errors.As(err, &schema):
		return exitSchema
	case errors.As(err, &blocked):
		return exitBlocked
	default:
		return exitFailure
	}
}
