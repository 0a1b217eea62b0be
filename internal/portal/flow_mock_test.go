package portal_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/mocks"
	"github.com/xkilldash9x/autoattend/internal/portal"
)

const minimalLogin = `<input name="user" class="userName"><input name="pass" class="password"><input name="code" class="imageRandeCode">`

func newMockFlow(t *testing.T) (*portal.Flow, *mocks.MockSessionClient, *mocks.MockGapSolver, string) {
	t.Helper()
	client := new(mocks.MockSessionClient)
	solver := new(mocks.MockGapSolver)
	scratch := t.TempDir()
	flow, err := portal.NewFlow(client, solver, config.PortalConfig{
		Username:   "alice",
		Password:   "secret",
		Marker:     "E1001",
		ScratchDir: scratch,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return flow, client, solver, scratch
}

// expectLoginRound wires one accepted captcha round ending in page.
func expectLoginRound(client *mocks.MockSessionClient, solver *mocks.MockGapSolver, scratch, page string) {
	client.On("Get", mock.Anything, portal.PathJigsaw).Return(`{"smallImage":"s1","bigImage":"b1"}`).Once()
	client.On("GetToFile", mock.Anything, "upload/jigsawImg/s1.png", filepath.Join(scratch, "smallImage.png")).Return(true).Once()
	client.On("GetToFile", mock.Anything, "upload/jigsawImg/b1.png", filepath.Join(scratch, "bigImage.png")).Return(true).Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=0&img=S").Return("").Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=0&img=B").Return("").Once()
	solver.On("SolveFile", filepath.Join(scratch, "bigImage.png")).Return(10).Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=1&xWidth=10").Return("1").Once()
	client.On("Post", mock.Anything, portal.PathLogin, "user=alice&pass=secret&code=10").Return(page).Once()
}

func TestLogin_ConcurrentEntryReturnsImmediately(t *testing.T) {
	flow, client, solver, scratch := newMockFlow(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	client.On("Get", mock.Anything, portal.PathIndex).Return(minimalLogin).Once().Run(func(mock.Arguments) {
		close(entered)
		<-release
	})
	expectLoginRound(client, solver, scratch, "<html>attendance</html>")

	result := make(chan string, 1)
	go func() { result <- flow.Login(context.Background()) }()
	<-entered
	require.Equal(t, portal.StateLoggingIn, flow.State())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Empty(t, flow.Login(context.Background()))
		}()
	}
	wg.Wait()

	close(release)
	select {
	case page := <-result:
		assert.Equal(t, "<html>attendance</html>", page)
	case <-time.After(5 * time.Second):
		t.Fatal("login did not finish")
	}
	assert.Equal(t, portal.StateLoggedIn, flow.State())
	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Get", 2)
	solver.AssertExpectations(t)
}

func TestAttend_RequiresLoggedIn(t *testing.T) {
	flow, client, _, _ := newMockFlow(t)

	assert.False(t, flow.Attend(context.Background(), `<input name="empNo" value="E1001">`))
	assert.Equal(t, portal.StateIdle, flow.State())
	client.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestAttend_CountsMarkerOccurrences(t *testing.T) {
	const page = `<p>E1001</p><input name="empNo" value="E1001"><input name="pwd" class="password">`

	tests := []struct {
		name      string
		response  string
		want      bool
		wantState portal.State
	}{
		{"one more record", "E1001 E1001 E1001", true, portal.StateIdle},
		{"same count", "E1001 E1001", false, portal.StateLoggedIn},
		{"empty response", "", false, portal.StateLoggedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, client, solver, scratch := newMockFlow(t)
			client.On("Get", mock.Anything, portal.PathIndex).Return(minimalLogin).Once()
			expectLoginRound(client, solver, scratch, page)
			require.Equal(t, page, flow.Login(context.Background()))

			client.On("Post", mock.Anything, portal.PathRecord, "empNo=E1001&pwd=secret").Return(tt.response).Once()
			assert.Equal(t, tt.want, flow.Attend(context.Background(), page))
			assert.Equal(t, tt.wantState, flow.State())
			client.AssertExpectations(t)
		})
	}
}

func TestLogin_RestartsOnRejectedVerify(t *testing.T) {
	flow, client, solver, scratch := newMockFlow(t)

	client.On("Get", mock.Anything, portal.PathIndex).Return(minimalLogin).Twice()
	client.On("Get", mock.Anything, portal.PathJigsaw).Return(`{"smallImage":"s0","bigImage":"b0"}`).Once()
	client.On("GetToFile", mock.Anything, "upload/jigsawImg/s0.png", mock.Anything).Return(true).Once()
	client.On("GetToFile", mock.Anything, "upload/jigsawImg/b0.png", mock.Anything).Return(false).Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=0&img=S").Return("").Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=0&img=B").Return("").Once()
	solver.On("SolveFile", filepath.Join(scratch, "bigImage.png")).Return(2147483647).Once()
	client.On("Post", mock.Anything, portal.PathJigsawVerify, "type=1&xWidth=2147483647").Return("0").Once()
	expectLoginRound(client, solver, scratch, "<html>ok</html>")

	assert.Equal(t, "<html>ok</html>", flow.Login(context.Background()))
	client.AssertExpectations(t)
	solver.AssertExpectations(t)
}
