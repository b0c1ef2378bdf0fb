package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/corpsignal/internal/agent"
	"github.com/sells-group/corpsignal/internal/model"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SignaturesExist(ctx context.Context, entityID string, signatures []string) (map[string]bool, error) {
	args := m.Called(ctx, entityID, signatures)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *mockStore) SaveSignals(ctx context.Context, entityID string, signals []model.Signal) (int, error) {
	args := m.Called(ctx, entityID, signals)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) GetCachedProfile(ctx context.Context, entityID string) (*model.Profile, error) {
	args := m.Called(ctx, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Profile), args.Error(1)
}

func (m *mockStore) SetCachedProfile(ctx context.Context, profile model.Profile, ttl time.Duration) error {
	args := m.Called(ctx, profile, ttl)
	return args.Error(0)
}

func (m *mockStore) SaveRun(ctx context.Context, run model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- Agent Fake ---

type fakeAgent struct {
	name     string
	taxonomy []model.Category
	run      func(ctx context.Context, in agent.Input) ([]model.Signal, error)
}

func (f *fakeAgent) Name() string               { return f.name }
func (f *fakeAgent) Taxonomy() []model.Category { return f.taxonomy }
func (f *fakeAgent) Timeout() time.Duration     { return 0 }
func (f *fakeAgent) RequiredSections() []string { return []string{model.SectionNews} }
func (f *fakeAgent) Run(ctx context.Context, in agent.Input) ([]model.Signal, error) {
	return f.run(ctx, in)
}

func emit(sigs ...model.Signal) func(context.Context, agent.Input) ([]model.Signal, error) {
	return func(context.Context, agent.Input) ([]model.Signal, error) {
		return sigs, nil
	}
}

func fail(msg string) func(context.Context, agent.Input) ([]model.Signal, error) {
	return func(context.Context, agent.Input) ([]model.Signal, error) {
		return nil, mockErr(msg)
	}
}

func blockUntilDone(ctx context.Context, _ agent.Input) ([]model.Signal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type mockErr string

func (e mockErr) Error() string { return string(e) }
