// Package portal drives the attendance portal: the login state machine that
// solves the slider captcha until the credentials are accepted, and the
// record submission that consumes the authenticated page.
package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/browser/form"
	"github.com/xkilldash9x/autoattend/internal/browser/session"
	"github.com/xkilldash9x/autoattend/internal/captcha"
	"github.com/xkilldash9x/autoattend/internal/config"
	"github.com/xkilldash9x/autoattend/internal/metrics"
)

// Portal endpoints, relative to the base URL.
const (
	PathIndex        = "index.jsp"
	PathJigsaw       = "jigsaw"
	PathJigsawVerify = "jigsawVerify"
	PathLogin        = "login.jsp"
	PathRecord       = "record.jsp"
	imagePathFormat  = "upload/jigsawImg/%s.png"
)

// Descriptor keys and their scratch file names.
const (
	KeySmallImage = "smallImage"
	KeyBigImage   = "bigImage"
)

// VerifyOK is the body the portal answers an accepted slide with.
const VerifyOK = "1"

// ErrDescriptor is returned when the captcha descriptor is not usable.
var ErrDescriptor = errors.New("portal: invalid captcha descriptor")

// SessionClient is the subset of session.Client the flow needs.
type SessionClient interface {
	Get(ctx context.Context, path string) string
	GetToFile(ctx context.Context, path, destPath string) bool
	Post(ctx context.Context, path string, form session.Form) string
}

// GapSolver turns a stored background image into a gap index.
type GapSolver interface {
	SolveFile(path string) int
}

// State of the login state machine.
type State int32

const (
	StateIdle State = iota
	StateLoggingIn
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Flow owns the portal session. Login may be entered by one caller at a
// time; others return immediately.
type Flow struct {
	client     SessionClient
	solver     GapSolver
	userName   string
	password   string
	marker     string
	scratchDir string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	state atomic.Int32
}

// NewFlow creates the scratch directory and returns an idle Flow.
func NewFlow(client SessionClient, solver GapSolver, cfg config.PortalConfig, m *metrics.Metrics, logger *zap.Logger) (*Flow, error) {
	if client == nil || solver == nil {
		return nil, fmt.Errorf("portal: client and solver are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir %q: %w", cfg.ScratchDir, err)
	}
	return &Flow{
		client:     client,
		solver:     solver,
		userName:   cfg.Username,
		password:   cfg.Password,
		marker:     cfg.Marker,
		scratchDir: cfg.ScratchDir,
		metrics:    m,
		logger:     logger,
	}, nil
}

// State returns the current login state.
func (f *Flow) State() State {
	return State(f.state.Load())
}

// enter performs the Idle|LoggedIn -> LoggingIn transition.
func (f *Flow) enter() bool {
	return f.state.CompareAndSwap(int32(StateIdle), int32(StateLoggingIn)) ||
		f.state.CompareAndSwap(int32(StateLoggedIn), int32(StateLoggingIn))
}

// Login repeats the captcha and credential exchange until the portal answers
// the login post, and returns that page. It returns "" when another caller
// is already logging in, or when the attempt fails; in the latter case the
// flow is back to Idle.
func (f *Flow) Login(ctx context.Context) string {
	if !f.enter() {
		f.logger.Info("Login already in progress, skipping")
		f.metrics.Logins.WithLabelValues(metrics.ResultBusy).Inc()
		return ""
	}

	logger := f.logger.With(zap.String("attempt_id", uuid.NewString()))
	page, err := f.login(ctx, logger)
	if err != nil {
		logger.Error("Login attempt abandoned", zap.Error(err))
		f.state.Store(int32(StateIdle))
		f.metrics.Logins.WithLabelValues(metrics.ResultError).Inc()
		return ""
	}

	f.state.Store(int32(StateLoggedIn))
	f.metrics.Logins.WithLabelValues(metrics.ResultOK).Inc()
	logger.Info("Logged in")
	return page
}

func (f *Flow) login(ctx context.Context, logger *zap.Logger) (string, error) {
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logger.Debug("Login round", zap.Int("round", round))

		loginPage := f.client.Get(ctx, PathIndex)

		descriptor, err := parseDescriptor(f.client.Get(ctx, PathJigsaw))
		if err != nil {
			return "", err
		}
		bigImage := f.fetchImages(ctx, descriptor, logger)

		f.client.Post(ctx, PathJigsawVerify, resetForm("S"))
		f.client.Post(ctx, PathJigsawVerify, resetForm("B"))

		gap := f.solver.SolveFile(bigImage)
		found := gap != captcha.NotFound
		if found {
			f.metrics.GapIndex.Observe(float64(gap))
			logger.Info("Captcha solved", zap.Int("gap", gap))
		} else {
			logger.Warn("No gap found in captcha background", zap.String("path", bigImage))
		}

		verdict := f.client.Post(ctx, PathJigsawVerify, verifyForm(gap))
		if strings.TrimSpace(verdict) != VerifyOK {
			result := metrics.ResultRejected
			if !found {
				result = metrics.ResultNotFound
			}
			f.metrics.CaptchaAttempts.WithLabelValues(result).Inc()
			logger.Info("Captcha rejected, requesting a new one", zap.String("verdict", verdict))
			continue
		}
		f.metrics.CaptchaAttempts.WithLabelValues(metrics.ResultOK).Inc()

		payload, err := form.Extract(loginPage, form.Rules{
			UserName: f.userName,
			Password: f.password,
			Captcha:  strconv.Itoa(gap),
			Strict:   true,
		})
		if err != nil {
			return "", fmt.Errorf("login form: %w", err)
		}

		if page := f.client.Post(ctx, PathLogin, payload); page != "" {
			return page, nil
		}
		logger.Warn("Empty login response, starting over")
	}
}

// fetchImages downloads both descriptor images into the scratch directory
// and returns the background's path.
func (f *Flow) fetchImages(ctx context.Context, d descriptor, logger *zap.Logger) string {
	var bigPath string
	for _, item := range []struct{ key, id string }{
		{KeySmallImage, d.small},
		{KeyBigImage, d.big},
	} {
		dest := filepath.Join(f.scratchDir, item.key+".png")
		if !f.client.GetToFile(ctx, fmt.Sprintf(imagePathFormat, item.id), dest) {
			logger.Warn("Captcha image download failed", zap.String("key", item.key), zap.String("id", item.id))
		}
		if item.key == KeyBigImage {
			bigPath = dest
		}
	}
	return bigPath
}

type descriptor struct {
	small, big string
}

func parseDescriptor(body string) (descriptor, error) {
	if !gjson.Valid(body) {
		return descriptor{}, fmt.Errorf("%w: not json: %q", ErrDescriptor, truncate(body, 64))
	}
	small := gjson.Get(body, KeySmallImage)
	big := gjson.Get(body, KeyBigImage)
	if !small.Exists() || !big.Exists() {
		return descriptor{}, fmt.Errorf("%w: missing %s or %s", ErrDescriptor, KeySmallImage, KeyBigImage)
	}
	return descriptor{small: small.String(), big: big.String()}, nil
}

func resetForm(img string) *form.Payload {
	p := form.NewPayload()
	p.Set("type", "0")
	p.Set("img", img)
	return p
}

func verifyForm(gap int) *form.Payload {
	p := form.NewPayload()
	p.Set("type", "1")
	p.Set("xWidth", strconv.Itoa(gap))
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
