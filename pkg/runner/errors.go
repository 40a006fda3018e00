package runner

import (
	"fmt"

	"github.com/harun/agentcore/pkg/errcore"
)

// TestFailureError reports a test that failed when re-run on its own
type TestFailureError struct {
	Name   string
	Output string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test %s failed", e.Name)
}

func (e *TestFailureError) Severity() errcore.Severity { return errcore.SeverityLow }
func (e *TestFailureError) Kind() errcore.Kind         { return errcore.KindLogic }

// SuiteError reports a suite run that produced no usable result
type SuiteError struct {
	EntityID string
}

func (e *SuiteError) Error() string {
	return fmt.Sprintf("test suite for %s did not complete", e.EntityID)
}

func (e *SuiteError) Severity() errcore.Severity { return errcore.SeverityMedium }
func (e *SuiteError) Kind() errcore.Kind         { return errcore.KindIO }
