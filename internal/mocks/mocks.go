// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoattend/internal/browser/session"
	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/portal"
)

// -- Session Client Mock --

// MockSessionClient mocks portal.SessionClient.
type MockSessionClient struct {
	mock.Mock
}

func (m *MockSessionClient) Get(ctx context.Context, path string) string {
	return m.Called(ctx, path).String(0)
}

func (m *MockSessionClient) GetToFile(ctx context.Context, path, destPath string) bool {
	return m.Called(ctx, path, destPath).Bool(0)
}

// Post records the encoded form so expectations can match on the body.
func (m *MockSessionClient) Post(ctx context.Context, path string, form session.Form) string {
	var encoded string
	if form != nil {
		encoded = form.Encode()
	}
	return m.Called(ctx, path, encoded).String(0)
}

// -- Gap Solver Mock --

// MockGapSolver mocks portal.GapSolver.
type MockGapSolver struct {
	mock.Mock
}

func (m *MockGapSolver) SolveFile(path string) int {
	return m.Called(path).Int(0)
}

// -- Puncher Mock --

// MockPuncher mocks scheduler.Puncher.
type MockPuncher struct {
	mock.Mock
}

func (m *MockPuncher) Punch(ctx context.Context, action portal.Action) bool {
	return m.Called(ctx, action).Bool(0)
}

// -- Schedule Source Mock --

// MockScheduleSource mocks scheduler.ScheduleSource.
type MockScheduleSource struct {
	mock.Mock
}

func (m *MockScheduleSource) Schedule() (config.ScheduleConfig, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return config.ScheduleConfig{}, args.Error(1)
	}
	return args.Get(0).(config.ScheduleConfig), args.Error(1)
}
