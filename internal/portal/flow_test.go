package portal_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fogleman/gg"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoattend/internal/browser/session"
	"github.com/xkilldash9x/autoattend/internal/captcha"
	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/metrics"
	"github.com/xkilldash9x/autoattend/internal/network"
	"github.com/xkilldash9x/autoattend/internal/portal"
)

const (
	marker    = "E1001"
	loginHTML = `<html><body><form action="login.jsp" method="post">
<input type="hidden" name="__token" value="t0k3n">
<input type="text" name="user" class="userName">
<input type="password" name="pass" class="password">
<input type="text" name="code" class="imageRandeCode">
<input type="hidden" name="browserType" value="">
</form></body></html>`
	attendanceHTML = `<html><body><p>Welcome E1001</p>
<form action="record.jsp" method="post">
<input type="hidden" name="empNo" value="E1001">
<input type="hidden" name="op" value="punch">
</form></body></html>`
)

// fakePortal serves the whole login and record exchange.
type fakePortal struct {
	t      *testing.T
	server *httptest.Server

	seam       int
	badRounds  int
	descriptor string
	loginPage  string
	recordHits int
	onVerify   func(n int)
	seamPNG    []byte
	darkPNG    []byte
	smallPNG   []byte

	mu          sync.Mutex
	rounds      int
	verifies    []string
	resets      []string
	loginForms  []url.Values
	recordForms []url.Values
	cookies     []string
}

func newFakePortal(t *testing.T, seam int) *fakePortal {
	t.Helper()
	p := &fakePortal{
		t:          t,
		seam:       seam,
		loginPage:  loginHTML,
		recordHits: 3,
		seamPNG:    renderPNG(t, 260, 116, seam),
		darkPNG:    renderPNG(t, 260, 116, -1),
		smallPNG:   renderPNG(t, 50, 50, -1),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func renderPNG(t *testing.T, w, h, seam int) []byte {
	t.Helper()
	dc := gg.NewContext(w, h)
	dc.SetRGB(0.3, 0.35, 0.4)
	dc.Clear()
	if seam >= 0 {
		dc.SetRGB(1, 1, 1)
		for y := 0; y < h; y++ {
			dc.SetPixel(seam, y)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, dc.EncodePNG(&buf))
	return buf.Bytes()
}

func (p *fakePortal) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	p.mu.Lock()
	p.cookies = append(p.cookies, r.Header.Get("Cookie"))
	p.mu.Unlock()

	switch {
	case r.URL.Path == "/index.jsp":
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123", Path: "/"})
		_, _ = w.Write([]byte(p.loginPage))

	case r.URL.Path == "/jigsaw":
		p.mu.Lock()
		p.rounds++
		n := p.rounds
		p.mu.Unlock()
		if p.descriptor != "" {
			_, _ = w.Write([]byte(p.descriptor))
			return
		}
		big := fmt.Sprintf("seam-%d", n)
		if n <= p.badRounds {
			big = fmt.Sprintf("dark-%d", n)
		}
		_, _ = fmt.Fprintf(w, `{"smallImage":"small-%d","bigImage":%q}`, n, big)

	case strings.HasPrefix(r.URL.Path, "/upload/jigsawImg/"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/upload/jigsawImg/"), ".png")
		w.Header().Set("Content-Type", "image/png")
		switch {
		case strings.HasPrefix(id, "seam-"):
			_, _ = w.Write(p.seamPNG)
		case strings.HasPrefix(id, "dark-"):
			_, _ = w.Write(p.darkPNG)
		default:
			_, _ = w.Write(p.smallPNG)
		}

	case r.URL.Path == "/jigsawVerify":
		p.mu.Lock()
		defer p.mu.Unlock()
		if r.PostForm.Get("type") == "0" {
			p.resets = append(p.resets, r.PostForm.Get("img"))
			return
		}
		p.verifies = append(p.verifies, r.PostForm.Get("xWidth"))
		if p.onVerify != nil {
			p.onVerify(len(p.verifies))
		}
		if r.PostForm.Get("xWidth") == strconv.Itoa(p.seam+1) {
			_, _ = w.Write([]byte("1"))
			return
		}
		_, _ = w.Write([]byte("0"))

	case r.URL.Path == "/login.jsp":
		p.mu.Lock()
		p.loginForms = append(p.loginForms, r.PostForm)
		p.mu.Unlock()
		_, _ = w.Write([]byte(attendanceHTML))

	case r.URL.Path == "/record.jsp":
		p.mu.Lock()
		p.recordForms = append(p.recordForms, r.PostForm)
		hits := p.recordHits
		p.mu.Unlock()
		_, _ = w.Write([]byte("<table>" + strings.Repeat("<tr><td>"+marker+"</td></tr>", hits) + "</table>"))

	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	flow    *portal.Flow
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	scratch string
}

func newHarness(t *testing.T, p *fakePortal) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	netCfg := network.NewDefaultClientConfig()
	netCfg.RequestTimeout = 5 * time.Second
	client, err := session.NewClient(p.server.URL, netCfg, "", logger.Named("session"))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	scratch := filepath.Join(t.TempDir(), "Image")
	m := metrics.New(nil)
	flow, err := portal.NewFlow(client, captcha.New(logger), config.PortalConfig{
		BaseURL:    p.server.URL,
		Username:   "alice",
		Password:   "secret",
		Marker:     marker,
		ScratchDir: scratch,
	}, m, logger.Named("portal"))
	require.NoError(t, err)
	return &harness{flow: flow, metrics: m, logs: logs, scratch: scratch}
}

func TestPunch_RetriesCaptchaUntilAccepted(t *testing.T) {
	p := newFakePortal(t, 142)
	p.badRounds = 1
	h := newHarness(t, p)

	require.True(t, h.flow.Punch(context.Background(), portal.ActionIn))
	assert.Equal(t, portal.StateIdle, h.flow.State(), "a recorded session is spent")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{strconv.Itoa(captcha.NotFound), "143"}, p.verifies,
		"the not-found sentinel is forwarded unchanged")
	assert.Equal(t, []string{"S", "B", "S", "B"}, p.resets)

	require.Len(t, p.loginForms, 1)
	login := p.loginForms[0]
	assert.Equal(t, "alice", login.Get("user"))
	assert.Equal(t, "secret", login.Get("pass"))
	assert.Equal(t, "143", login.Get("code"))
	assert.Equal(t, "t0k3n", login.Get("__token"))
	assert.Equal(t, "Chrome", login.Get("browserType"))

	require.Len(t, p.recordForms, 1)
	assert.Equal(t, "E1001", p.recordForms[0].Get("empNo"))
	assert.Equal(t, "punch", p.recordForms[0].Get("op"))

	assert.Contains(t, p.cookies[len(p.cookies)-1], "JSESSIONID=abc123")

	for _, name := range []string{"smallImage.png", "bigImage.png"} {
		_, err := os.Stat(filepath.Join(h.scratch, name))
		assert.NoError(t, err, name)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CaptchaAttempts.WithLabelValues(metrics.ResultNotFound)))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.CaptchaAttempts.WithLabelValues(metrics.ResultRejected)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CaptchaAttempts.WithLabelValues(metrics.ResultOK)))

	var gaps dto.Metric
	require.NoError(t, h.metrics.GapIndex.Write(&gaps))
	assert.Equal(t, uint64(1), gaps.GetHistogram().GetSampleCount(), "the sentinel is not observed")
	assert.Equal(t, float64(143), gaps.GetHistogram().GetSampleSum())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Logins.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Records.WithLabelValues("in", metrics.ResultOK)))
	assert.Equal(t, 1, h.logs.FilterField(zap.String("action", "in")).FilterMessage("Attendance recorded").Len())
}

func TestPunch_MarkerNotIncreasedKeepsSession(t *testing.T) {
	p := newFakePortal(t, 60)
	p.recordHits = 2
	h := newHarness(t, p)

	assert.False(t, h.flow.Punch(context.Background(), portal.ActionOut))
	assert.Equal(t, portal.StateLoggedIn, h.flow.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Records.WithLabelValues("out", metrics.ResultRejected)))

	// A later attempt may log in again from LoggedIn.
	p.mu.Lock()
	p.recordHits = 5
	p.mu.Unlock()
	assert.True(t, h.flow.Punch(context.Background(), portal.ActionOut))
	assert.Equal(t, portal.StateIdle, h.flow.State())
}

func TestLogin_DescriptorErrorsAbandonAttempt(t *testing.T) {
	for name, body := range map[string]string{
		"not json":    "<html>maintenance</html>",
		"missing key": `{"smallImage":"s1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			p := newFakePortal(t, 10)
			p.descriptor = body
			h := newHarness(t, p)

			assert.Empty(t, h.flow.Login(context.Background()))
			assert.Equal(t, portal.StateIdle, h.flow.State())

			entries := h.logs.FilterMessage("Login attempt abandoned").All()
			require.Len(t, entries, 1)
			assert.Contains(t, entries[0].ContextMap()["error"], "invalid captcha descriptor")
			assert.NotEmpty(t, entries[0].ContextMap()["attempt_id"])
			assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Logins.WithLabelValues(metrics.ResultError)))
		})
	}
}

func TestLogin_MissingLoginFieldsAbandonAttempt(t *testing.T) {
	p := newFakePortal(t, 10)
	p.loginPage = `<form><input name="user" class="userName"></form>`
	h := newHarness(t, p)

	assert.Empty(t, h.flow.Login(context.Background()))
	assert.Equal(t, portal.StateIdle, h.flow.State())
	p.mu.Lock()
	assert.Empty(t, p.loginForms)
	p.mu.Unlock()
}

func TestLogin_CancelledWhileCaptchaKeepsFailing(t *testing.T) {
	p := newFakePortal(t, 10)
	p.badRounds = 1 << 30
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.onVerify = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	h := newHarness(t, p)

	assert.Empty(t, h.flow.Login(ctx))
	assert.Equal(t, portal.StateIdle, h.flow.State())
	assert.Equal(t, 1, h.logs.FilterMessage("Login attempt abandoned").Len())
}

func TestNewFlow_CreatesScratchDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "Image")
	_, err := portal.NewFlow(&session.Client{}, captcha.New(nil), config.PortalConfig{ScratchDir: dir}, nil, nil)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = portal.NewFlow(nil, captcha.New(nil), config.PortalConfig{ScratchDir: dir}, nil, nil)
	assert.Error(t, err)
}
