package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateStackCreating, true},
		{StatePending, StateFailed, false},
		{StateStackCreating, StateStackReady, true},
		{StateStackCreating, StateFailed, true},
		{StateStackReady, StateAccessConfigured, true},
		{StateStackReady, StateAddonsInstalling, false},
		{StateAccessConfigured, StateAddonsInstalling, true},
		{StateAddonsInstalling, StateReady, true},
		{StateAddonsInstalling, StatePartiallyReady, true},
		{StateAddonsInstalling, StateFailed, true},
		{StateReady, StateFailed, false},
		{StateFailed, StatePending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "CanTransition(%s, %s)", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateReady, StatePartiallyReady, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateStackCreating, StateStackReady, StateAccessConfigured, StateAddonsInstalling} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name    string
		results []AddonInstallResult
		want    State
	}{
		{"none", nil, StateReady},
		{"all good", []AddonInstallResult{Installed("a"), AlreadyPresent("b")}, StateReady},
		{"one failed", []AddonInstallResult{Installed("a"), Failed("b", errors.New("x"))}, StatePartiallyReady},
		{"all failed", []AddonInstallResult{Failed("a", errors.New("x"))}, StatePartiallyReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, settle(tt.results))
		})
	}
}

func TestOutcomeMerge(t *testing.T) {
	assert.Equal(t, OutcomeAlreadyExists, OutcomeAlreadyExists.Merge(OutcomeAlreadyExists))
	assert.Equal(t, OutcomeCreated, OutcomeAlreadyExists.Merge(OutcomeCreated))
	assert.Equal(t, AddonAlreadyPresent, FromOutcome("x", OutcomeAlreadyExists).Outcome)
	assert.Equal(t, AddonInstalled, FromOutcome("x", OutcomeCreated).Outcome)
}

func TestBootstrapRequestValidate(t *testing.T) {
	valid := BootstrapRequest{ClusterName: "demo", StackName: "demo", NodeInstanceType: "t3.small", NodeCount: 3, MinNodes: 1, MaxNodes: 5}

	tests := []struct {
		name    string
		mutate  func(*BootstrapRequest)
		wantErr bool
	}{
		{"valid", func(*BootstrapRequest) {}, false},
		{"empty cluster", func(r *BootstrapRequest) { r.ClusterName = " " }, true},
		{"empty stack", func(r *BootstrapRequest) { r.StackName = "" }, true},
		{"count above max", func(r *BootstrapRequest) { r.NodeCount = 6 }, true},
		{"min above max", func(r *BootstrapRequest) { r.MinNodes = 6 }, true},
		{"zero max", func(r *BootstrapRequest) { r.MaxNodes = 0; r.MinNodes = 0; r.NodeCount = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			err := req.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ReasonInvalidRequest, ReasonOf(err))
		})
	}
}

func TestStackOutputs_SubnetIDs(t *testing.T) {
	assert.Equal(t, []string{"subnet-0a", "subnet-0b"}, StackOutputs{OutputSubnetIDs: "subnet-0a, subnet-0b,"}.SubnetIDs())
	assert.Empty(t, StackOutputs{}.SubnetIDs())
	assert.Empty(t, StackOutputs(nil).SubnetIDs())
}
