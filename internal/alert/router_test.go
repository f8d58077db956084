package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingTransport struct {
	mu    sync.Mutex
	sent  []Message
	err   error
	block bool
	calls atomic.Int32
}

func (r *recordingTransport) Send(ctx context.Context, msg Message) error {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func testAlert(sev Severity, category string) *Alert {
	return &Alert{ID: "a-1", Severity: sev, Category: category, Title: "drift", Status: StatusOpen, Environment: "prod"}
}

func newTestRouter(t *testing.T, clk Clock, transports map[string]Transport, channels ...Channel) *Router {
	t.Helper()
	r, err := NewRouter(channels, transports, clk, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestRouterFilters(t *testing.T) {
	tr := &recordingTransport{}
	r := newTestRouter(t, NewFakeClock(epoch), map[string]Transport{ChannelChat: tr},
		Channel{Name: "secops", Type: ChannelChat, Severities: []Severity{SeverityHigh, SeverityCritical}, Categories: []string{CategoryDrift}},
		Channel{Name: "everything", Type: ChannelChat},
		Channel{Name: "muted", Type: ChannelChat, Disabled: true},
	)

	rep := r.Notify(context.Background(), testAlert(SeverityLow, CategoryDrift))
	assert.Equal(t, []string{"everything"}, rep.Delivered)
	assert.Equal(t, []string{"muted", "secops"}, rep.Skipped)

	rep = r.Notify(context.Background(), testAlert(SeverityHigh, CategoryIntegrity))
	assert.Equal(t, []string{"everything"}, rep.Delivered)

	rep = r.Notify(context.Background(), testAlert(SeverityCritical, CategoryDrift))
	assert.Equal(t, []string{"everything", "secops"}, rep.Delivered)
	assert.Empty(t, rep.Failed)

	rep = r.Notify(context.Background(), testAlert(SeverityCritical, CategoryDrift), "secops")
	assert.Equal(t, []string{"secops"}, rep.Delivered)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.NotEmpty(t, tr.sent)
	assert.Equal(t, "[LOW] drift", tr.sent[0].Subject)
	assert.Contains(t, tr.sent[0].Body, "Environment: prod")
}

func TestRouterActiveHours(t *testing.T) {
	tr := &recordingTransport{}
	channels := []Channel{
		{Name: "business", Type: ChannelEmail, ActiveHours: &ActiveHours{Start: "09:00", End: "17:00"}},
		{Name: "overnight", Type: ChannelPager, ActiveHours: &ActiveHours{Start: "22:00", End: "06:00"}},
		{Name: "tokyo-business", Type: ChannelEmail, ActiveHours: &ActiveHours{Start: "09:00", End: "17:00", Timezone: "Asia/Tokyo"}},
	}
	transports := map[string]Transport{ChannelEmail: tr, ChannelPager: tr}

	noon := newTestRouter(t, NewFakeClock(epoch), transports, channels...)
	rep := noon.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Equal(t, []string{"business"}, rep.Delivered)

	late := newTestRouter(t, NewFakeClock(time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)), transports, channels...)
	rep = late.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Equal(t, []string{"overnight"}, rep.Delivered)

	tokyoMorning := newTestRouter(t, NewFakeClock(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)), transports, channels...)
	rep = tokyoMorning.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Equal(t, []string{"overnight", "tokyo-business"}, rep.Delivered)
}

func TestRouterIsolatesFailures(t *testing.T) {
	good := &recordingTransport{}
	bad := &recordingTransport{err: errors.New("smtp down")}
	slow := &recordingTransport{block: true}
	r := newTestRouter(t, NewFakeClock(epoch),
		map[string]Transport{ChannelChat: good, ChannelEmail: bad, ChannelPager: slow},
		Channel{Name: "chat", Type: ChannelChat},
		Channel{Name: "mail", Type: ChannelEmail},
		Channel{Name: "pager", Type: ChannelPager, Timeout: 20 * time.Millisecond},
	)

	start := time.Now()
	rep := r.Notify(context.Background(), testAlert(SeverityCritical, CategoryDrift))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"chat"}, rep.Delivered)
	assert.Contains(t, rep.Failed["mail"], "smtp down")
	assert.Contains(t, rep.Failed["pager"], "deadline exceeded")
}

func TestRouterBreakerOpensAfterRepeatedFailures(t *testing.T) {
	bad := &recordingTransport{err: errors.New("503")}
	r := newTestRouter(t, NewFakeClock(epoch), map[string]Transport{ChannelWebhook: bad},
		Channel{Name: "hook", Type: ChannelWebhook})

	for i := 0; i < 5; i++ {
		rep := r.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
		assert.Contains(t, rep.Failed["hook"], "503")
	}
	rep := r.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Contains(t, rep.Failed["hook"], "circuit breaker is open")
	assert.Equal(t, int32(5), bad.calls.Load())
}

func TestRouterRateLimit(t *testing.T) {
	tr := &recordingTransport{}
	r := newTestRouter(t, NewFakeClock(epoch), map[string]Transport{ChannelPager: tr},
		Channel{Name: "pager", Type: ChannelPager, RatePerMinute: 1})

	rep := r.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Equal(t, []string{"pager"}, rep.Delivered)
	rep = r.Notify(context.Background(), testAlert(SeverityHigh, CategoryDrift))
	assert.Contains(t, rep.Failed["pager"], "rate limited")
}

func TestNewRouterValidation(t *testing.T) {
	tr := map[string]Transport{ChannelChat: &recordingTransport{}}
	bad := [][]Channel{
		{{Type: ChannelChat}},
		{{Name: "x", Type: "carrier-pigeon"}},
		{{Name: "x", Type: ChannelChat}, {Name: "x", Type: ChannelChat}},
		{{Name: "x", Type: ChannelChat, ActiveHours: &ActiveHours{Start: "9", End: "17:00"}}},
		{{Name: "x", Type: ChannelChat, ActiveHours: &ActiveHours{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}}},
	}
	for i, chs := range bad {
		_, err := NewRouter(chs, tr, nil, zaptest.NewLogger(t))
		assert.Error(t, err, "case %d", i)
	}
}

func TestWebhookTransport(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret-token", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Alert.Severity == SeverityLow {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wt := NewWebhookTransport(srv.Client(), map[string]string{"X-Token": "secret-token"})
	msg := Message{Channel: "hook", Type: ChannelWebhook, Target: srv.URL, Subject: "s", Alert: testAlert(SeverityHigh, CategoryDrift)}
	require.NoError(t, wt.Send(context.Background(), msg))
	assert.Equal(t, "a-1", got.Alert.ID)
	assert.Equal(t, "s", got.Subject)

	msg.Alert = testAlert(SeverityLow, CategoryDrift)
	assert.ErrorContains(t, wt.Send(context.Background(), msg), "502")

	msg.Target = ""
	assert.Error(t, wt.Send(context.Background(), msg))
}
