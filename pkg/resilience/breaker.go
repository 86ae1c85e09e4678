// Package resilience gates forensic read endpoints behind dual-track circuit
// breakers and serves last-known-good snapshots while a track is open.
//
// Each endpoint carries two independent tracks. The availability track trips
// on timeouts and I/O failures; the integrity track trips on hash mismatches
// and signature failures. Writes are never gated: the engine either commits
// fully or raises.
package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Track selects which failure class a signal belongs to.
type Track string

const (
	TrackAvailability Track = "availability"
	TrackIntegrity    Track = "integrity"
)

// State is a breaker track state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Params tune one breaker.
type Params struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenSuccess  int           `yaml:"half_open_success"`
}

// DefaultParams are used when no profile is configured for an endpoint.
var DefaultParams = Params{
	FailureThreshold: 5,
	ResetTimeout:     30 * time.Second,
	HalfOpenSuccess:  2,
}

type trackState struct {
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
	lastReason   string
}

// Breaker is one endpoint's dual-track circuit breaker. All methods are safe
// for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	params Params
	tracks map[Track]*trackState
	probes *rate.Limiter
	now    func() time.Time
}

// NewBreaker constructs a closed breaker with the given parameters.
func NewBreaker(params Params) *Breaker {
	if params.FailureThreshold <= 0 {
		params.FailureThreshold = DefaultParams.FailureThreshold
	}
	if params.ResetTimeout <= 0 {
		params.ResetTimeout = DefaultParams.ResetTimeout
	}
	if params.HalfOpenSuccess <= 0 {
		params.HalfOpenSuccess = DefaultParams.HalfOpenSuccess
	}
	return &Breaker{
		params: params,
		tracks: map[Track]*trackState{
			TrackAvailability: {state: StateClosed},
			TrackIntegrity:    {state: StateClosed},
		},
		// Half-open probes trickle through at one per second so a recovering
		// backend is not immediately re-saturated.
		probes: rate.NewLimiter(rate.Every(time.Second), 1),
		now:    time.Now,
	}
}

// RecordSuccess feeds one successful operation into a track.
func (b *Breaker) RecordSuccess(track Track) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.track(track)
	switch t.state {
	case StateClosed:
		t.failureCount = 0
		t.successCount = 0
	case StateHalfOpen:
		t.successCount++
		if t.successCount >= b.params.HalfOpenSuccess {
			t.state = StateClosed
			t.failureCount = 0
			t.successCount = 0
			t.lastReason = ""
		}
	}
}

// RecordFailure feeds one failed operation into a track.
func (b *Breaker) RecordFailure(track Track, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.track(track)
	t.lastReason = reason
	switch t.state {
	case StateClosed:
		t.failureCount++
		if t.failureCount >= b.params.FailureThreshold {
			t.state = StateOpen
			t.openedAt = b.now()
		}
	case StateHalfOpen:
		t.state = StateOpen
		t.openedAt = b.now()
		t.successCount = 0
	}
}

// TrackState returns the current state of a track, applying the open →
// half_open timeout transition.
func (b *Breaker) TrackState(track Track) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trackStateLocked(track)
}

func (b *Breaker) trackStateLocked(track Track) State {
	t := b.track(track)
	if t.state == StateOpen && b.now().Sub(t.openedAt) >= b.params.ResetTimeout {
		t.state = StateHalfOpen
		t.successCount = 0
	}
	return t.state
}

// LastReason returns the most recent failure reason for a track.
func (b *Breaker) LastReason(track Track) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.track(track).lastReason
}

// Mode labels the availability posture of a gated endpoint.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
)

// SyncStatus labels the integrity posture of a gated endpoint.
type SyncStatus string

const (
	SyncActive SyncStatus = "active"
	SyncPaused SyncStatus = "paused"
)

// Gate is the read-gating verdict for one request.
type Gate struct {
	Allow      bool
	Probe      bool
	Mode       Mode
	SyncStatus SyncStatus
	ServeLKG   bool
}

// Decide evaluates both tracks for one read. An integrity-open endpoint
// pauses sync and serves the last snapshot; an availability-open endpoint
// degrades and serves LKG when present. Half-open admits rate-limited
// probes only.
func (b *Breaker) Decide() Gate {
	b.mu.Lock()
	defer b.mu.Unlock()

	integrity := b.trackStateLocked(TrackIntegrity)
	availability := b.trackStateLocked(TrackAvailability)

	g := Gate{Allow: true, Mode: ModeNormal, SyncStatus: SyncActive}

	if integrity == StateOpen {
		g.Allow = false
		g.SyncStatus = SyncPaused
		g.ServeLKG = true
		return g
	}
	if availability == StateOpen {
		g.Allow = false
		g.Mode = ModeDegraded
		g.ServeLKG = true
		return g
	}
	if integrity == StateHalfOpen || availability == StateHalfOpen {
		if !b.probes.Allow() {
			g.Allow = false
			g.ServeLKG = true
			if integrity == StateHalfOpen {
				g.SyncStatus = SyncPaused
			} else {
				g.Mode = ModeDegraded
			}
			return g
		}
		g.Probe = true
	}
	return g
}

func (b *Breaker) track(track Track) *trackState {
	t, ok := b.tracks[track]
	if !ok {
		t = &trackState{state: StateClosed}
		b.tracks[track] = t
	}
	return t
}

// Registry holds one breaker per endpoint.
type Registry struct {
	mu       sync.Mutex
	params   map[string]Params
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry with per-endpoint parameter overrides.
func NewRegistry(params map[string]Params) *Registry {
	return &Registry{
		params:   params,
		breakers: make(map[string]*Breaker),
	}
}

// Endpoint returns the breaker for an endpoint, creating it on first use.
func (r *Registry) Endpoint(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	p, ok := r.params[name]
	if !ok {
		p = DefaultParams
	}
	b := NewBreaker(p)
	r.breakers[name] = b
	return b
}

// Endpoints lists all registered endpoint names.
func (r *Registry) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
