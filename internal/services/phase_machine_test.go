package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/pkg/models"
)

func newTestMachine(t *testing.T, gaps PendingGapCounter) *PhaseMachine {
	t.Helper()
	if gaps == nil {
		gaps = newFakeGapStore()
	}
	machine, err := NewPhaseMachine(gaps)
	require.NoError(t, err)
	return machine
}

func TestPhaseMachineValidatesPlansAtStartup(t *testing.T) {
	_, err := NewPhaseMachine(newFakeGapStore())
	assert.NoError(t, err)
}

func TestFirstPhase(t *testing.T) {
	machine := newTestMachine(t, nil)

	first, err := machine.FirstPhase(models.FlowTypeCollection)
	require.NoError(t, err)
	assert.Equal(t, "initialization", first)

	_, err = machine.FirstPhase(models.FlowType("bogus"))
	assert.Equal(t, flowerr.KindValidation, flowerr.KindOf(err))
}

func TestNextPhaseOrdinary(t *testing.T) {
	machine := newTestMachine(t, nil)

	next, err := machine.NextPhase(context.Background(), models.FlowTypeCollection, "initialization", "df-1")
	require.NoError(t, err)
	assert.Equal(t, "asset_selection", next)

	next, err = machine.NextPhase(context.Background(), models.FlowTypeCollection, "finalization", "df-1")
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestNextPhaseDecisionBranches(t *testing.T) {
	gaps := newFakeGapStore()
	machine := newTestMachine(t, gaps)
	ctx := context.Background()

	// Pending gaps steer to questionnaire generation.
	gaps.seedPending("df-1", 3)
	next, err := machine.NextPhase(ctx, models.FlowTypeCollection, "gap_analysis", "df-1")
	require.NoError(t, err)
	assert.Equal(t, "questionnaire_generation", next)

	// A clean flow goes straight to finalization.
	next, err = machine.NextPhase(ctx, models.FlowTypeCollection, "gap_analysis", "df-clean")
	require.NoError(t, err)
	assert.Equal(t, "finalization", next)
}

func TestValidateTransition(t *testing.T) {
	machine := newTestMachine(t, nil)
	family := models.FlowTypeCollection

	assert.NoError(t, machine.ValidateTransition(family, "gap_analysis", "gap_analysis", false))

	err := machine.ValidateTransition(family, "gap_analysis", "initialization", false)
	assert.Equal(t, flowerr.KindValidation, flowerr.KindOf(err))

	// Re-running an earlier phase is allowed with force.
	assert.NoError(t, machine.ValidateTransition(family, "gap_analysis", "initialization", true))

	err = machine.ValidateTransition(family, "initialization", "gap_analysis", false)
	assert.Equal(t, flowerr.KindValidation, flowerr.KindOf(err))

	err = machine.ValidateTransition(family, "initialization", "no_such_phase", false)
	assert.Equal(t, flowerr.KindValidation, flowerr.KindOf(err))
}

func TestIsTerminal(t *testing.T) {
	machine := newTestMachine(t, nil)

	assert.True(t, machine.IsTerminal(models.FlowTypeCollection, "finalization"))
	assert.False(t, machine.IsTerminal(models.FlowTypeCollection, "gap_analysis"))
	assert.False(t, machine.IsTerminal(models.FlowTypeCollection, "initialization"))
}

func TestProgress(t *testing.T) {
	machine := newTestMachine(t, nil)

	assert.InDelta(t, 100.0/7, machine.Progress(models.FlowTypeCollection, "initialization"), 0.01)
	assert.InDelta(t, 100, machine.Progress(models.FlowTypeCollection, "finalization"), 0.01)
	assert.Zero(t, machine.Progress(models.FlowTypeCollection, "no_such_phase"))
}

func TestSpecSkipFlag(t *testing.T) {
	machine := newTestMachine(t, nil)

	spec, err := machine.Spec(models.FlowTypeCollection, "auto_enrichment")
	require.NoError(t, err)
	assert.True(t, spec.CanSkip)

	spec, err = machine.Spec(models.FlowTypeCollection, "gap_analysis")
	require.NoError(t, err)
	require.NotNil(t, spec.Decision)
	assert.Equal(t, "questionnaire_generation", spec.Decision.WhenPending)
	assert.Equal(t, "finalization", spec.Decision.WhenReady)
}
