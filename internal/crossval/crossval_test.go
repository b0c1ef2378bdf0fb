package crossval

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpsignal/internal/model"
)

func signal(id, agent string, typ model.SignalType, targets []string, refs ...string) model.Signal {
	ev := make([]model.EvidenceRef, len(refs))
	for i, r := range refs {
		ev[i] = model.EvidenceRef{Ref: r}
	}
	return model.Signal{ID: id, EntityID: "ent-1", Agent: agent, Type: typ, Targets: targets, Evidence: ev, Title: id}
}

func TestDetect_NoConflictPassesThrough(t *testing.T) {
	t.Parallel()

	in := []model.Signal{
		signal("a", "direct-impact", model.SignalRisk, []string{"Acme"}, "n1"),
		signal("b", "industry-impact", model.SignalRisk, []string{"Acme"}, "n1"),
		signal("c", "environment-impact", model.SignalOpportunity, []string{"Acme"}, "m1"),
	}
	r := Detect(in)
	assert.Empty(t, r.Conflicts)
	if diff := cmp.Diff(in, r.Signals); diff != "" {
		t.Errorf("signals changed (-want +got):\n%s", diff)
	}
}

func TestDetect_LinksContradictingPair(t *testing.T) {
	t.Parallel()

	in := []model.Signal{
		signal("a", "direct-impact", model.SignalRisk, []string{"Acme"}, "n1", "n2"),
		signal("b", "industry-impact", model.SignalOpportunity, []string{"acme "}, "N1"),
		signal("c", "environment-impact", model.SignalNeutral, []string{"Acme"}, "n1"),
	}
	r := Detect(in)
	require.Len(t, r.Conflicts, 1)

	c := r.Conflicts[0]
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, []string{"a", "b"}, c.SignalIDs)
	assert.Equal(t, []string{"direct-impact", "industry-impact"}, c.Agents)
	assert.ElementsMatch(t, []model.SignalType{model.SignalRisk, model.SignalOpportunity}, c.Types)
	assert.Equal(t, []string{"acme"}, c.SharedTargets)
	assert.Equal(t, []string{"n1"}, c.SharedEvidence)

	assert.Equal(t, c.ID, r.Signals[0].ConflictID)
	assert.Equal(t, c.ID, r.Signals[1].ConflictID)
	assert.Empty(t, r.Signals[2].ConflictID, "neutral does not contradict")

	// Only ConflictID differs from the input.
	if diff := cmp.Diff(in, r.Signals, cmpopts.IgnoreFields(model.Signal{}, "ConflictID")); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}
	assert.Empty(t, in[0].ConflictID, "input is not mutated")
}

func TestDetect_SameAgentNeverConflicts(t *testing.T) {
	t.Parallel()

	r := Detect([]model.Signal{
		signal("a", "direct-impact", model.SignalRisk, []string{"Acme"}, "n1"),
		signal("b", "direct-impact", model.SignalOpportunity, []string{"Acme"}, "n1"),
	})
	assert.Empty(t, r.Conflicts)
}

func TestDetect_RequiresEvidenceAndTargetOverlap(t *testing.T) {
	t.Parallel()

	r := Detect([]model.Signal{
		signal("a", "direct-impact", model.SignalRisk, []string{"Acme"}, "n1"),
		signal("b", "industry-impact", model.SignalOpportunity, []string{"Acme"}, "n2"),
		signal("c", "environment-impact", model.SignalOpportunity, []string{"Globex"}, "n1"),
	})
	assert.Empty(t, r.Conflicts)
}

func TestDetect_TransitiveGroupSharesOneID(t *testing.T) {
	t.Parallel()

	r := Detect([]model.Signal{
		signal("a", "direct-impact", model.SignalRisk, []string{"Acme"}, "n1"),
		signal("b", "industry-impact", model.SignalOpportunity, []string{"Acme"}, "n1", "n2"),
		signal("c", "environment-impact", model.SignalRisk, []string{"Acme"}, "n2"),
		signal("d", "environment-impact", model.SignalRisk, []string{"Other"}, "x"),
	})
	require.Len(t, r.Conflicts, 1)
	assert.Equal(t, []string{"a", "b", "c"}, r.Conflicts[0].SignalIDs)
	id := r.Conflicts[0].ID
	assert.Equal(t, id, r.Signals[0].ConflictID)
	assert.Equal(t, id, r.Signals[1].ConflictID)
	assert.Equal(t, id, r.Signals[2].ConflictID)
	assert.Empty(t, r.Signals[3].ConflictID)
	assert.Equal(t, []string{"n1", "n2"}, r.Conflicts[0].SharedEvidence)
}

func TestDetect_UntargetedSignalsMatchOnEntity(t *testing.T) {
	t.Parallel()

	r := Detect([]model.Signal{
		signal("a", "direct-impact", model.SignalRisk, nil, "n1"),
		signal("b", "industry-impact", model.SignalOpportunity, nil, "n1"),
	})
	require.Len(t, r.Conflicts, 1)
}

func TestDetect_Empty(t *testing.T) {
	t.Parallel()

	r := Detect(nil)
	assert.Empty(t, r.Signals)
	assert.Empty(t, r.Conflicts)
}
