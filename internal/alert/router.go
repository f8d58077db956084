package alert

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ILLUVRSE/driftguard/internal/metrics"
)

// Channel types.
const (
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelChat    = "chat"
	ChannelPager   = "pager"
)

// DefaultDeliveryTimeout bounds a single delivery.
const DefaultDeliveryTimeout = 10 * time.Second

// ActiveHours is a daily window, "HH:MM" in Timezone. End before Start wraps
// past midnight.
type ActiveHours struct {
	Start    string `koanf:"start" json:"start"`
	End      string `koanf:"end" json:"end"`
	Timezone string `koanf:"timezone" json:"timezone,omitempty"`
}

// Channel is a notification destination with delivery filters. An empty
// severity or category filter accepts everything.
type Channel struct {
	Name          string        `koanf:"name" json:"name"`
	Type          string        `koanf:"type" json:"type"`
	Target        string        `koanf:"target" json:"target"`
	Disabled      bool          `koanf:"disabled" json:"disabled,omitempty"`
	Severities    []Severity    `koanf:"severities" json:"severities,omitempty"`
	Categories    []string      `koanf:"categories" json:"categories,omitempty"`
	ActiveHours   *ActiveHours  `koanf:"active_hours" json:"activeHours,omitempty"`
	Timeout       time.Duration `koanf:"timeout" json:"timeout,omitempty"`
	RatePerMinute int           `koanf:"rate_per_minute" json:"ratePerMinute,omitempty"`
}

// Message is what a transport delivers.
type Message struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Target  string `json:"-"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Alert   *Alert `json:"alert"`
}

// Transport delivers messages for one channel type.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Report is the outcome of one Notify call.
type Report struct {
	Delivered []string          `json:"delivered"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

type route struct {
	ch        Channel
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	loc       *time.Location
	start     int
	end       int
}

// Router dispatches alerts to every channel whose filters match. Each
// channel has its own breaker, rate limit and timeout so one failing
// destination cannot hold up the others.
type Router struct {
	routes []*route
	clock  Clock
	logger *zap.Logger
}

// NewRouter builds a router. transports maps channel types to transports.
func NewRouter(channels []Channel, transports map[string]Transport, clock Clock, logger *zap.Logger) (*Router, error) {
	if clock == nil {
		clock = RealClock{}
	}
	r := &Router{clock: clock, logger: logger.Named("alert.router")}
	seen := make(map[string]bool)
	for _, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("notification channel: name required")
		}
		if seen[ch.Name] {
			return nil, fmt.Errorf("notification channel %s: duplicate name", ch.Name)
		}
		seen[ch.Name] = true
		t, ok := transports[ch.Type]
		if !ok {
			return nil, fmt.Errorf("notification channel %s: no transport for type %q", ch.Name, ch.Type)
		}
		if ch.Timeout <= 0 {
			ch.Timeout = DefaultDeliveryTimeout
		}
		rt := &route{ch: ch, transport: t, loc: time.UTC}
		rt.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-" + ch.Name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		if ch.RatePerMinute > 0 {
			rt.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ch.RatePerMinute)), ch.RatePerMinute)
		}
		if ah := ch.ActiveHours; ah != nil {
			var err error
			if ah.Timezone != "" {
				if rt.loc, err = time.LoadLocation(ah.Timezone); err != nil {
					return nil, fmt.Errorf("notification channel %s: %w", ch.Name, err)
				}
			}
			if rt.start, err = parseClock(ah.Start); err != nil {
				return nil, fmt.Errorf("notification channel %s: start: %w", ch.Name, err)
			}
			if rt.end, err = parseClock(ah.End); err != nil {
				return nil, fmt.Errorf("notification channel %s: end: %w", ch.Name, err)
			}
		}
		r.routes = append(r.routes, rt)
	}
	return r, nil
}

// OnAlert notifies every matching channel. It is a Manager Handler.
func (r *Router) OnAlert(ctx context.Context, a *Alert) {
	r.Notify(ctx, a)
}

// Notify delivers a to every enabled matching channel, concurrently. With
// channels given, only those channels are considered. Failures are recorded
// in the report and never retried here.
func (r *Router) Notify(ctx context.Context, a *Alert, channels ...string) Report {
	rep := Report{Delivered: []string{}, Skipped: []string{}, Failed: map[string]string{}}
	now := r.clock.Now()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, rt := range r.routes {
		if len(channels) > 0 && !contains(channels, rt.ch.Name) {
			continue
		}
		if !rt.accepts(a, now) {
			rep.Skipped = append(rep.Skipped, rt.ch.Name)
			continue
		}
		wg.Add(1)
		go func(rt *route) {
			defer wg.Done()
			err := r.deliver(ctx, rt, a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed[rt.ch.Name] = err.Error()
				return
			}
			rep.Delivered = append(rep.Delivered, rt.ch.Name)
		}(rt)
	}
	wg.Wait()
	sort.Strings(rep.Delivered)
	sort.Strings(rep.Skipped)
	return rep
}

func (r *Router) deliver(ctx context.Context, rt *route, a *Alert) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panicked: %v", p)
		}
		result := "delivered"
		if err != nil {
			result = "failed"
			r.logger.Warn("notification failed",
				zap.String("channel", rt.ch.Name),
				zap.String("alert_id", a.ID),
				zap.Error(err))
		}
		metrics.NotificationsSent.WithLabelValues(rt.ch.Name, result).Inc()
		metrics.NotificationLatency.WithLabelValues(rt.ch.Name).Observe(time.Since(start).Seconds())
	}()

	if rt.limiter != nil && !rt.limiter.Allow() {
		return fmt.Errorf("channel %s rate limited", rt.ch.Name)
	}
	msg := Message{
		Channel: rt.ch.Name,
		Type:    rt.ch.Type,
		Target:  rt.ch.Target,
		Subject: subject(a),
		Body:    body(a),
		Alert:   a,
	}
	_, err = rt.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, rt.ch.Timeout)
		defer cancel()
		return nil, rt.transport.Send(sendCtx, msg)
	})
	return err
}

func (rt *route) accepts(a *Alert, now time.Time) bool {
	if rt.ch.Disabled {
		return false
	}
	if len(rt.ch.Severities) > 0 && !contains(rt.ch.Severities, a.Severity) {
		return false
	}
	if len(rt.ch.Categories) > 0 && !contains(rt.ch.Categories, a.Category) {
		return false
	}
	if rt.ch.ActiveHours == nil {
		return true
	}
	local := now.In(rt.loc)
	m := local.Hour()*60 + local.Minute()
	if rt.start <= rt.end {
		return m >= rt.start && m < rt.end
	}
	return m >= rt.start || m < rt.end
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

func subject(a *Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
}

func body(a *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Alert %s\n", a.ID)
	fmt.Fprintf(&b, "Severity: %s\nCategory: %s\nStatus: %s\n", a.Severity, a.Category, a.Status)
	if a.Environment != "" {
		fmt.Fprintf(&b, "Environment: %s\n", a.Environment)
	}
	if a.EscalationLevel > 0 {
		fmt.Fprintf(&b, "Escalation level: %d\n", a.EscalationLevel)
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Description)
	}
	return b.String()
}
