package main

import (
	"fmt"
	"io"

	fcolor "github.com/fatih/color"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
)

const (
	okSymbol   = "✓ "
	failSymbol = "✗ "
)

// Exit codes. Ready and PartiallyReady runs exit 0.
const (
	exitFailed       = 1
	exitInvalidUsage = 2
)

// runFailedError marks a run that ended in Failed.
type runFailedError struct {
	result bootstrap.BootstrapResult
}

func (e *runFailedError) Error() string {
	return fmt.Sprintf("bootstrap failed in phase %s: %v", e.result.FailedPhase, e.result.Err)
}

func (e *runFailedError) Unwrap() error { return e.result.Err }

// resultError maps a run's final state to the command's error.
func resultError(result bootstrap.BootstrapResult) error {
	if result.State == bootstrap.StateFailed {
		return &runFailedError{result: result}
	}
	return nil
}

func exitCode(err error) int {
	if bootstrap.ReasonOf(err) == bootstrap.ReasonInvalidRequest {
		return exitInvalidUsage
	}
	return exitFailed
}

// printSummary writes the outcome of a run. Failed add-ons are listed with a
// hint, since they do not change the exit code.
func printSummary(w io.Writer, result bootstrap.BootstrapResult, clusterName, stackName string) {
	green := fcolor.New(fcolor.FgGreen)
	yellow := fcolor.New(fcolor.FgYellow)
	red := fcolor.New(fcolor.FgRed)

	switch result.State {
	case bootstrap.StateReady:
		green.Fprintf(w, okSymbol+"Cluster %s is %s\n", clusterName, result.State)
	case bootstrap.StatePartiallyReady:
		yellow.Fprintf(w, failSymbol+"Cluster %s is %s\n", clusterName, result.State)
	default:
		red.Fprintf(w, failSymbol+"Cluster %s %s in phase %s: %v\n", clusterName, result.State, result.FailedPhase, result.Err)
	}

	for _, a := range result.Addons {
		switch a.Outcome {
		case bootstrap.AddonFailed:
			red.Fprintf(w, "  "+failSymbol+"%s: %v\n", a.Name, a.Err)
		default:
			fmt.Fprintf(w, "  "+okSymbol+"%s: %s\n", a.Name, a.Outcome)
		}
	}

	if failed := result.FailedAddons(); len(failed) > 0 {
		yellow.Fprintf(w, "\n%d add-on(s) failed. Fix the cause and re-run:\n  eksboot install-addons --cluster-name %s --stack-name %s\n",
			len(failed), clusterName, stackName)
	}
}
