package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpsignal/internal/agent"
	"github.com/sells-group/corpsignal/internal/cascade"
	"github.com/sells-group/corpsignal/internal/config"
	"github.com/sells-group/corpsignal/internal/consensus"
	"github.com/sells-group/corpsignal/internal/cost"
	"github.com/sells-group/corpsignal/internal/dedup"
	"github.com/sells-group/corpsignal/internal/model"
	"github.com/sells-group/corpsignal/internal/provider"
)

var profileFields = cascade.Fields{Required: []string{"headquarters", "revenue"}}

func analysisContext() model.AnalysisContext {
	return model.AnalysisContext{
		Entity: model.Entity{Name: "Acme Corp"},
		Sections: map[string][]model.ContextItem{
			model.SectionNews: {{Ref: "news-1", Title: "Acme recalls battery packs"}},
		},
	}
}

func riskSignal(title string) model.Signal {
	return model.Signal{
		Category:    model.CategoryFinancial,
		SubCategory: "earnings",
		Type:        model.SignalRisk,
		Title:       title,
		Targets:     []string{"Acme Corp"},
		Evidence:    []model.EvidenceRef{{Ref: "news-1"}},
		Confidence:  0.8,
	}
}

func opportunitySignal() model.Signal {
	return model.Signal{
		Category:    model.CategoryIndustryTrend,
		SubCategory: "demand",
		Type:        model.SignalOpportunity,
		Title:       "Recall opens share for rivals' suppliers",
		Targets:     []string{"acme corp"},
		Evidence:    []model.EvidenceRef{{Ref: "NEWS-1 "}},
		Confidence:  0.6,
	}
}

func newTestPipeline(t *testing.T, st *mockStore, agents []agent.Agent, poolOpts ...agent.Option) *Pipeline {
	t.Helper()

	pool, err := agent.NewPool(agents, poolOpts...)
	require.NoError(t, err)

	engine := consensus.NewEngine(nil, consensus.DefaultOptions())
	casc, err := cascade.New(nil, []cascade.Layer{
		cascade.NewCacheLayer(st, 0.3, 168*time.Hour),
		cascade.NewRuleBasedLayer(engine, profileFields),
		cascade.NewDegradedLayer(profileFields),
	}, cascade.WithWriteBack(st, time.Hour))
	require.NoError(t, err)

	p, err := New(Dependencies{
		Pool:    pool,
		Cascade: casc,
		Store:   st,
		NewID:   func() string { return "run-1" },
	})
	require.NoError(t, err)
	return p
}

func twoAgents(direct, industry func(context.Context, agent.Input) ([]model.Signal, error)) []agent.Agent {
	return []agent.Agent{
		&fakeAgent{name: "direct-impact", taxonomy: []model.Category{model.CategoryFinancial}, run: direct},
		&fakeAgent{name: "industry-impact", taxonomy: []model.Category{model.CategoryIndustryTrend}, run: industry},
	}
}

func runWith(kind model.RunKind, status model.RunStatus) any {
	return mock.MatchedBy(func(r model.Run) bool {
		return r.ID == "run-1" && r.EntityID == "acme" && r.Kind == kind && r.Status == status
	})
}

func TestRunAgentExtraction_FullFlow(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(
		emit(riskSignal("Battery recall hits margins"), riskSignal("Recall to dent quarterly earnings")),
		emit(opportunitySignal()),
	))

	st.On("SignaturesExist", mock.Anything, "acme", mock.Anything).Return(map[string]bool{}, nil)
	st.On("SaveSignals", mock.Anything, "acme", mock.MatchedBy(func(s []model.Signal) bool {
		return len(s) == 2 && s[0].ConflictID != "" && s[0].ConflictID == s[1].ConflictID
	})).Return(2, nil)
	st.On("SaveRun", mock.Anything, runWith(model.RunKindExtraction, model.RunStatusComplete)).Return(nil)

	res, err := p.RunAgentExtraction(context.Background(), " acme ", analysisContext())
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "acme", res.EntityID)
	require.Len(t, res.Signals, 2)
	got := res.Signals[0]
	assert.Equal(t, "Battery recall hits margins", got.Title, "first occurrence wins")
	assert.Equal(t, "direct-impact", got.Agent)
	assert.NotEmpty(t, got.Signature)
	assert.NotEmpty(t, got.ConflictID)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, []string{"direct-impact", "industry-impact"}, res.Conflicts[0].Agents)
	assert.ElementsMatch(t, []string{res.Signals[0].ID, res.Signals[1].ID}, res.Conflicts[0].SignalIDs)

	d := res.Diagnostics
	assert.Equal(t, model.RunStatusComplete, d.Status)
	assert.Equal(t, 3, d.Candidates)
	assert.Equal(t, 1, d.DuplicatesInBatch)
	assert.Equal(t, 0, d.DuplicatesInStore)
	assert.Equal(t, 2, d.Persisted)
	assert.Empty(t, d.StoreErrors)
	require.Len(t, d.Agents, 2)

	st.AssertExpectations(t)
}

func TestRunAgentExtraction_ConflictsNameOnlySurvivingSignals(t *testing.T) {
	known := opportunitySignal()
	known.EntityID = "acme"

	tests := []struct {
		name          string
		stored        map[string]bool
		wantSignals   int
		wantConflicts int
	}{
		{name: "batch duplicate in conflict", stored: map[string]bool{}, wantSignals: 2, wantConflicts: 1},
		{name: "conflict partner already stored", stored: map[string]bool{dedup.Signature(known): true}, wantSignals: 1, wantConflicts: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(mockStore)
			p := newTestPipeline(t, st, twoAgents(
				emit(riskSignal("Battery recall hits margins"), riskSignal("Recall to dent quarterly earnings")),
				emit(opportunitySignal()),
			))
			st.On("SignaturesExist", mock.Anything, "acme", mock.Anything).Return(tt.stored, nil)
			st.On("SaveSignals", mock.Anything, "acme", mock.Anything).Return(tt.wantSignals, nil)
			st.On("SaveRun", mock.Anything, mock.Anything).Return(nil)

			res, err := p.RunAgentExtraction(context.Background(), "acme", analysisContext())
			require.NoError(t, err)
			require.Len(t, res.Signals, tt.wantSignals)
			require.Len(t, res.Conflicts, tt.wantConflicts)

			ids := map[string]bool{}
			for _, s := range res.Signals {
				ids[s.ID] = true
			}
			for _, c := range res.Conflicts {
				for _, id := range c.SignalIDs {
					assert.True(t, ids[id], "conflict names dropped signal %s", id)
				}
			}
			if tt.wantConflicts == 0 {
				for _, s := range res.Signals {
					assert.Empty(t, s.ConflictID)
				}
			}
		})
	}
}

func TestRunAgentExtraction_StoreFailuresDegradeNotDiscard(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(riskSignal("Battery recall hits margins")), emit(opportunitySignal())))

	st.On("SignaturesExist", mock.Anything, "acme", mock.Anything).Return(nil, mockErr("connection refused"))
	st.On("SaveSignals", mock.Anything, "acme", mock.Anything).Return(0, mockErr("connection refused"))
	st.On("SaveRun", mock.Anything, runWith(model.RunKindExtraction, model.RunStatusPartial)).Return(mockErr("connection refused"))

	res, err := p.RunAgentExtraction(context.Background(), "acme", analysisContext())
	require.NoError(t, err)
	assert.Len(t, res.Signals, 2, "the unfiltered batch is returned")
	assert.Equal(t, model.RunStatusPartial, res.Diagnostics.Status)
	assert.Len(t, res.Diagnostics.StoreErrors, 2)
	assert.Zero(t, res.Diagnostics.Persisted)

	st.AssertExpectations(t)
}

func TestRunAgentExtraction_NoAgentSucceeded(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(fail("provider 503"), fail("malformed output")))

	st.On("SaveRun", mock.Anything, runWith(model.RunKindExtraction, model.RunStatusDegraded)).Return(nil)

	res, err := p.RunAgentExtraction(context.Background(), "acme", analysisContext())
	require.NoError(t, err)
	assert.NotNil(t, res.Signals)
	assert.Empty(t, res.Signals)
	assert.Equal(t, model.RunStatusDegraded, res.Diagnostics.Status)
	for _, r := range res.Diagnostics.Agents {
		assert.Equal(t, agent.StatusFailed, r.Status)
	}

	st.AssertNotCalled(t, "SignaturesExist", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "SaveSignals", mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestRunAgentExtraction_DeadlineKeepsFinishedAgents(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(riskSignal("Battery recall hits margins")), blockUntilDone),
		agent.WithDeadline(50*time.Millisecond), agent.WithGrace(50*time.Millisecond))

	st.On("SignaturesExist", mock.Anything, "acme", mock.Anything).Return(map[string]bool{}, nil)
	st.On("SaveSignals", mock.Anything, "acme", mock.Anything).Return(1, nil)
	st.On("SaveRun", mock.Anything, runWith(model.RunKindExtraction, model.RunStatusPartial)).Return(nil)

	start := time.Now()
	res, err := p.RunAgentExtraction(context.Background(), "acme", analysisContext())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Signals, 1)
	assert.True(t, res.Diagnostics.DeadlineExceeded)
	assert.Equal(t, agent.StatusSuccess, res.Diagnostics.Agents[0].Status)
	assert.Equal(t, agent.StatusTimeout, res.Diagnostics.Agents[1].Status)
	assert.Equal(t, 1, res.Diagnostics.Persisted)

	st.AssertExpectations(t)
}

func TestRunAgentExtraction_EmptyEntity(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(), emit()))

	_, err := p.RunAgentExtraction(context.Background(), "  ", analysisContext())
	require.ErrorIs(t, err, ErrEmptyEntity)
	st.AssertExpectations(t)
}

func TestRunFallbackProfile_CacheHit(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(), emit()))

	cached := &model.Profile{
		EntityID:    "acme",
		Fields:      []model.ConsensusField{{Field: "revenue", Resolved: "12B", AgreementScore: 1}},
		Confidence:  0.9,
		Layer:       model.LayerValidation,
		GeneratedAt: time.Now().Add(-time.Hour),
	}
	st.On("GetCachedProfile", mock.Anything, "acme").Return(cached, nil)
	st.On("SaveRun", mock.Anything, runWith(model.RunKindProfile, model.RunStatusComplete)).Return(nil)

	res, layer := p.RunFallbackProfile(context.Background(), "acme", analysisContext())
	assert.Equal(t, model.LayerCache, layer)
	assert.Equal(t, model.LayerCache, res.Profile.Layer)
	assert.InDelta(t, 0.9, res.Profile.Confidence, 0.01)
	assert.Equal(t, "run-1", res.RunID)

	st.AssertExpectations(t)
}

func TestRunFallbackProfile_RuleBasedFromHints(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(), emit()))

	st.On("GetCachedProfile", mock.Anything, "acme").Return(nil, nil)
	st.On("SaveRun", mock.Anything, runWith(model.RunKindProfile, model.RunStatusPartial)).Return(nil)

	actx := analysisContext()
	actx.Hints = map[string]string{"headquarters": "Seoul"}

	res, layer := p.RunFallbackProfile(context.Background(), "acme", actx)
	assert.Equal(t, model.LayerRuleBased, layer)
	f, ok := res.Profile.Field("headquarters")
	require.True(t, ok)
	assert.Equal(t, "Seoul", f.Resolved)
	assert.InDelta(t, 0.5, res.Profile.ResolvedRatio(profileFields.Required), 1e-9)

	st.AssertNotCalled(t, "SetCachedProfile", mock.Anything, mock.Anything, mock.Anything)
	st.AssertExpectations(t)
}

func TestRunFallbackProfile_DegradedIsNeverAnError(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(fail("x"), fail("y")))

	st.On("GetCachedProfile", mock.Anything, "acme").Return(nil, mockErr("database is locked"))
	st.On("SaveRun", mock.Anything, runWith(model.RunKindProfile, model.RunStatusDegraded)).Return(nil)

	res, layer := p.RunFallbackProfile(context.Background(), "acme", analysisContext())
	assert.Equal(t, model.LayerDegraded, layer)
	assert.Equal(t, "Acme Corp", res.Profile.Name)
	require.Len(t, res.Profile.Fields, 2)
	for _, f := range res.Profile.Fields {
		assert.False(t, f.IsResolved())
	}

	statuses := map[model.FallbackLayer]cascade.LayerStatus{}
	for _, a := range res.Diagnostics.Layers {
		statuses[a.Layer] = a.Status
	}
	assert.Equal(t, cascade.StatusRejected, statuses[model.LayerCache])
	assert.Equal(t, cascade.StatusRejected, statuses[model.LayerRuleBased])
	assert.Equal(t, cascade.StatusAccepted, statuses[model.LayerDegraded])

	st.AssertExpectations(t)
}

func TestRunFallbackProfile_EmptyEntity(t *testing.T) {
	st := new(mockStore)
	p := newTestPipeline(t, st, twoAgents(emit(), emit()))

	res, layer := p.RunFallbackProfile(context.Background(), "", analysisContext())
	assert.Equal(t, model.LayerDegraded, layer)
	assert.Contains(t, res.Profile.Summary, "entity id is required")
	st.AssertExpectations(t)
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent pool")
}

func TestExtractionStatus(t *testing.T) {
	t.Parallel()

	ok := agent.Result{Status: agent.StatusSuccess}
	bad := agent.Result{Status: agent.StatusFailed}

	tests := []struct {
		name        string
		out         agent.Outcome
		storeFailed bool
		want        model.RunStatus
	}{
		{name: "all_succeeded", out: agent.Outcome{Results: []agent.Result{ok, ok}}, want: model.RunStatusComplete},
		{name: "one_failed", out: agent.Outcome{Results: []agent.Result{ok, bad}}, want: model.RunStatusPartial},
		{name: "store_failed", out: agent.Outcome{Results: []agent.Result{ok}}, storeFailed: true, want: model.RunStatusPartial},
		{name: "deadline", out: agent.Outcome{Results: []agent.Result{ok}, DeadlineExceeded: true}, want: model.RunStatusPartial},
		{name: "none_succeeded", out: agent.Outcome{Results: []agent.Result{bad, bad}}, want: model.RunStatusDegraded},
		{name: "no_agents", out: agent.Outcome{}, want: model.RunStatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractionStatus(tt.out, tt.storeFailed))
		})
	}
}

func TestProfileStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, model.RunStatusComplete, profileStatus(model.LayerCache))
	assert.Equal(t, model.RunStatusComplete, profileStatus(model.LayerSynthesis))
	assert.Equal(t, model.RunStatusPartial, profileStatus(model.LayerRuleBased))
	assert.Equal(t, model.RunStatusDegraded, profileStatus(model.LayerDegraded))
}

func TestDiagnosticsMap(t *testing.T) {
	t.Parallel()

	m := diagnosticsMap(ExtractionDiagnostics{Status: model.RunStatusPartial, Persisted: 2})
	assert.Equal(t, "partial", m["status"])
	assert.InDelta(t, 2.0, m["persisted"], 1e-9)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers = config.DefaultProviders()
	cfg.Retry.MaxAttempts = 1
	cfg.Consensus.SimilarityThreshold = 0.7
	cfg.Consensus.NumericTolerance = 0.05
	cfg.Consensus.MinAgreement = 0.5
	cfg.Agents.RequestDeadlineSecs = 5
	cfg.Agents.GraceMs = 100
	cfg.Agents.Direct.Provider = "synthesizer"
	cfg.Agents.Industry.Provider = "synthesizer"
	cfg.Agents.Environment.Provider = "validator"
	cfg.Cascade.AcceptConfidence = 0.7
	cfg.Cascade.MinResolvedRatio = 0.75
	cfg.Cascade.RequiredFields = []string{"headquarters", "revenue"}
	cfg.Cascade.PrimaryProvider = "search-primary"
	cfg.Cascade.ValidatorProvider = "validator"
	cfg.Cascade.SynthProvider = "synthesizer"
	cfg.Cascade.CacheTTLHours = 24
	cfg.Cascade.CacheHalfLifeHours = 168
	cfg.Cascade.CacheMinConfidence = 0.3
	cfg.Pricing = cost.Rates{Models: []cost.ModelRate{{Model: "scripted", Input: 1, Output: 2, PerCall: 0.01}}}
	return cfg
}

func TestBuildWithRegistry_PrimaryAnswerEndToEnd(t *testing.T) {
	reg, err := provider.NewRegistry(
		provider.NewScripted("search-primary", provider.Step{Text: `{"fields":{
			"revenue":{"value":"12 billion USD","confidence":0.9},
			"headquarters":{"value":"Seoul","confidence":0.9}},"summary":"Battery maker."}`,
			InputTokens: 1_000_000, OutputTokens: 500_000}),
		provider.NewScripted("synthesizer", provider.Step{Text: `{"signals":[]}`}),
		provider.NewScripted("validator", provider.Step{Text: `{"signals":[]}`}),
	)
	require.NoError(t, err)

	st := new(mockStore)
	st.On("GetCachedProfile", mock.Anything, "acme").Return(nil, nil)
	st.On("SetCachedProfile", mock.Anything, mock.MatchedBy(func(p model.Profile) bool {
		return p.Layer == model.LayerPrimary && p.EntityID == "acme"
	}), 24*time.Hour).Return(nil)
	st.On("SaveRun", mock.Anything, mock.Anything).Return(nil)

	p, err := BuildWithRegistry(testConfig(), reg, st)
	require.NoError(t, err)
	require.NotNil(t, p.Tracker())
	assert.Equal(t, []string{"search-primary", "synthesizer", "validator"}, p.Tracker().Providers())

	res, layer := p.RunFallbackProfile(context.Background(), "acme", analysisContext())
	assert.Equal(t, model.LayerPrimary, layer)
	assert.Equal(t, "Battery maker.", res.Profile.Summary)
	require.Len(t, res.Providers, 3)

	require.Len(t, res.Usage, 1)
	assert.Equal(t, "search-primary", res.Usage[0].Provider)
	assert.Equal(t, int64(1_000_000), res.Usage[0].InputTokens)
	assert.InDelta(t, 2.01, res.CostUSD, 1e-9)

	st.AssertExpectations(t)
}
