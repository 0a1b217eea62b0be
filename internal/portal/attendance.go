package portal

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoattend/internal/browser/form"
	"github.com/xkilldash9x/autoattend/internal/metrics"
)

// Action labels a record submission.
type Action string

const (
	ActionIn     Action = "in"
	ActionOut    Action = "out"
	ActionManual Action = "manual"
)

// Attend submits the record form found on the post-login page. It does
// nothing unless the flow is LoggedIn. Success means the marker occurs more
// often in the response than in page; the session is then spent and the
// flow returns to Idle.
func (f *Flow) Attend(ctx context.Context, page string) bool {
	if f.State() != StateLoggedIn {
		f.logger.Warn("Attendance skipped, not logged in", zap.Stringer("state", f.State()))
		return false
	}

	payload, err := form.Extract(page, form.Rules{UserName: f.userName, Password: f.password})
	if err != nil {
		f.logger.Error("Attendance form unreadable", zap.Error(err))
		f.state.CompareAndSwap(int32(StateLoggedIn), int32(StateIdle))
		return false
	}

	before := f.countMarker(page)
	resp := f.client.Post(ctx, PathRecord, payload)
	after := f.countMarker(resp)

	f.logger.Info("Attendance submitted",
		zap.Int("marker_before", before),
		zap.Int("marker_after", after),
	)
	if after <= before {
		return false
	}
	f.state.CompareAndSwap(int32(StateLoggedIn), int32(StateIdle))
	return true
}

// Punch runs one login followed by one record submission.
func (f *Flow) Punch(ctx context.Context, action Action) bool {
	page := f.Login(ctx)
	if page == "" {
		f.metrics.Records.WithLabelValues(string(action), metrics.ResultError).Inc()
		return false
	}
	if !f.Attend(ctx, page) {
		f.metrics.Records.WithLabelValues(string(action), metrics.ResultRejected).Inc()
		return false
	}
	f.metrics.Records.WithLabelValues(string(action), metrics.ResultOK).Inc()
	f.logger.Info("Attendance recorded", zap.String("action", string(action)))
	return true
}

func (f *Flow) countMarker(s string) int {
	if f.marker == "" {
		return 0
	}
	return strings.Count(s, f.marker)
}
