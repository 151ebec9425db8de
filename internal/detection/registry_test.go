package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylobot/gateway/internal/blackboard"
	"github.com/stylobot/gateway/internal/requestctx"
)

// stubDetector lets tests declare a manifest and a canned Detect func.
type stubDetector struct {
	manifest Manifest
	detect   func(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []Contribution
}

func (d *stubDetector) Manifest() Manifest { return d.manifest }

func (d *stubDetector) Detect(ctx context.Context, req *requestctx.RequestCtx, bb *blackboard.Blackboard) []Contribution {
	if d.detect == nil {
		return nil
	}
	return d.detect(ctx, req, bb)
}

func stub(m Manifest) *stubDetector { return &stubDetector{manifest: m} }

func TestNewRegistry_RejectsEmptyName(t *testing.T) {
	_, err := NewRegistry(stub(Manifest{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty name")
}

func TestNewRegistry_RejectsDuplicateName(t *testing.T) {
	_, err := NewRegistry(
		stub(Manifest{Name: "ua"}),
		stub(Manifest{Name: "ua"}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate detector name "ua"`)
}

func TestNewRegistry_RejectsSignalCycle(t *testing.T) {
	_, err := NewRegistry(
		stub(Manifest{Name: "a", RequiredSignals: []string{"sig.y"}, EmitsSignals: []string{"sig.x"}}),
		stub(Manifest{Name: "b", RequiredSignals: []string{"sig.x"}, EmitsSignals: []string{"sig.y"}}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic detector dependency")
}

func TestNewRegistry_TriggerEdgeAlsoCounts(t *testing.T) {
	// Same cycle through TriggersOn instead of RequiredSignals.
	_, err := NewRegistry(
		stub(Manifest{Name: "a", TriggersOn: []string{"sig.y"}, EmitsSignals: []string{"sig.x"}}),
		stub(Manifest{Name: "b", TriggersOn: []string{"sig.x"}, EmitsSignals: []string{"sig.y"}}),
	)
	require.Error(t, err)
}

func TestRegistry_SelectUnknownName(t *testing.T) {
	r, err := NewRegistry(stub(Manifest{Name: "ua"}))
	require.NoError(t, err)

	_, err = r.Select([]string{"ua", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown detector "nope"`)
}

func TestRegistry_SelectKeepsRegistrationOrder(t *testing.T) {
	r, err := NewRegistry(
		stub(Manifest{Name: "first"}),
		stub(Manifest{Name: "second"}),
		stub(Manifest{Name: "third"}),
	)
	require.NoError(t, err)

	sel, err := r.Select([]string{"third", "first"})
	require.NoError(t, err)
	require.Len(t, sel, 2)
	assert.Equal(t, "first", sel[0].Manifest().Name)
	assert.Equal(t, "third", sel[1].Manifest().Name)
}

func TestBuildPlan_LayersWavesByDependency(t *testing.T) {
	d0 := stub(Manifest{Name: "seed-reader", RequiredSignals: []string{"signature.primary"}, EmitsSignals: []string{"ua.family"}})
	d1 := stub(Manifest{Name: "needs-ua", RequiredSignals: []string{"ua.family"}, EmitsSignals: []string{"header.is_suspicious"}})
	d2 := stub(Manifest{Name: "needs-headers", RequiredSignals: []string{"header.is_suspicious"}})

	r, err := NewRegistry(d0, d1, d2)
	require.NoError(t, err)

	plan := r.BuildPlan([]Detector{d2, d1, d0}, "signature.primary")
	require.Len(t, plan.Waves, 3)
	assert.Equal(t, "seed-reader", plan.Waves[0][0].Manifest().Name)
	assert.Equal(t, "needs-ua", plan.Waves[1][0].Manifest().Name)
	assert.Equal(t, "needs-headers", plan.Waves[2][0].Manifest().Name)
	assert.Empty(t, plan.Skipped)
}

func TestBuildPlan_SkipsUnsatisfiableRequirements(t *testing.T) {
	orphan := stub(Manifest{Name: "orphan", RequiredSignals: []string{"never.emitted"}})
	ok := stub(Manifest{Name: "ok"})

	r, err := NewRegistry(orphan, ok)
	require.NoError(t, err)

	plan := r.BuildPlan([]Detector{orphan, ok})
	require.Len(t, plan.Waves, 1)
	assert.Equal(t, "ok", plan.Waves[0][0].Manifest().Name)
	assert.Equal(t, []string{"orphan"}, plan.Skipped)
}

func TestBuildPlan_GroupsPhases(t *testing.T) {
	pre := stub(Manifest{Name: "rep", Phase: PhasePre})
	std := stub(Manifest{Name: "ua", Phase: PhaseStandard})
	ai := stub(Manifest{Name: "llm", Phase: PhaseAI})
	late := stub(Manifest{Name: "refine", Phase: PhaseLate})
	post := stub(Manifest{Name: "timing", Phase: PhasePost})

	r, err := NewRegistry(pre, std, ai, late, post)
	require.NoError(t, err)

	plan := r.BuildPlan([]Detector{pre, std, ai, late, post})
	require.Len(t, plan.Pre, 1)
	require.Len(t, plan.Waves, 1)
	require.Len(t, plan.AI, 1)
	require.Len(t, plan.Late, 1)
	require.Len(t, plan.Post, 1)
	assert.Equal(t, "rep", plan.Pre[0].Manifest().Name)
	assert.Equal(t, "llm", plan.AI[0].Manifest().Name)
}

func TestBuildPlan_OrdersWaveByPriority(t *testing.T) {
	low := stub(Manifest{Name: "low", Priority: 1})
	high := stub(Manifest{Name: "high", Priority: 9})

	r, err := NewRegistry(low, high)
	require.NoError(t, err)

	plan := r.BuildPlan([]Detector{low, high})
	require.Len(t, plan.Waves, 1)
	require.Len(t, plan.Waves[0], 2)
	assert.Equal(t, "high", plan.Waves[0][0].Manifest().Name)
}
