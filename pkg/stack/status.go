package stack

import "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

type stackPhase int

const (
	phaseInProgress stackPhase = iota
	phaseSucceeded
	phaseFailed
)

// classify maps a CloudFormation stack status onto the deployer's view of it.
// ROLLBACK_IN_PROGRESS is still in progress: the failure is only final once
// the rollback settles.
func classify(s types.StackStatus) stackPhase {
	switch s {
	case types.StackStatusCreateComplete,
		types.StackStatusUpdateComplete,
		types.StackStatusUpdateRollbackComplete,
		types.StackStatusImportComplete:
		return phaseSucceeded

	case types.StackStatusCreateFailed,
		types.StackStatusRollbackComplete,
		types.StackStatusRollbackFailed,
		types.StackStatusDeleteInProgress,
		types.StackStatusDeleteComplete,
		types.StackStatusDeleteFailed,
		types.StackStatusUpdateFailed,
		types.StackStatusUpdateRollbackFailed,
		types.StackStatusImportRollbackComplete,
		types.StackStatusImportRollbackFailed:
		return phaseFailed

	default:
		return phaseInProgress
	}
}
