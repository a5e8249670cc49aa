package presence

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"agrolink/internal/models"
	"agrolink/internal/observability"

	"golang.org/x/time/rate"
)

// Status is the tracker's view of a watched user.
type Status int

// A watched user starts Unknown and moves between Online and Offline on each poll.
const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Source is where presence is read from and announced to.
type Source interface {
	GetMany(ctx context.Context, userIDs []uint) (map[uint]models.Presence, error)
	Announce(ctx context.Context, userID uint, online bool, at time.Time) error
}

// Transition is emitted when a watched user's status changes.
type Transition struct {
	UserID   uint
	From     Status
	To       Status
	Presence models.Presence
}

// TrackerConfig controls polling and push throttling.
type TrackerConfig struct {
	PollInterval time.Duration
	// HeartbeatInterval is how often a visible owner re-announces itself. It
	// must stay well under the store's stale window; it defaults to half the
	// poll interval.
	HeartbeatInterval time.Duration
	// PushInterval is the minimum spacing between visibility pushes.
	PushInterval time.Duration
	// PushTimeout bounds each best-effort announcement.
	PushTimeout time.Duration
}

type watched struct {
	status   Status
	presence models.Presence
}

// Tracker polls presence for the users a session watches and heartbeats the
// session owner's own presence while the owner is visible.
type Tracker struct {
	src      Source
	ownerID  uint
	cfg      TrackerConfig
	limiter  *rate.Limiter
	onChange func(Transition)
	now      func() time.Time

	mu      sync.Mutex
	watched map[uint]*watched
	visible bool

	pushes sync.WaitGroup
}

// NewTracker creates a tracker for ownerID. onChange may be nil.
func NewTracker(src Source, ownerID uint, cfg TrackerConfig, onChange func(Transition)) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.PollInterval / 2
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 2 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	return &Tracker{
		src:      src,
		ownerID:  ownerID,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.PushInterval), 1),
		onChange: onChange,
		now:      time.Now,
		watched:  make(map[uint]*watched),
		visible:  true,
	}
}

// Watch starts tracking the given users. Already watched users keep their state.
func (t *Tracker) Watch(userIDs ...uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range userIDs {
		if id == t.ownerID {
			continue
		}
		if _, ok := t.watched[id]; !ok {
			t.watched[id] = &watched{status: StatusUnknown}
		}
	}
}

// Retain makes userIDs the whole watch set: users outside it are dropped and
// missing ones start Unknown. Users kept keep their state.
func (t *Tracker) Retain(userIDs ...uint) {
	keep := make(map[uint]struct{}, len(userIDs))
	for _, id := range userIDs {
		keep[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	maps.DeleteFunc(t.watched, func(id uint, _ *watched) bool {
		_, ok := keep[id]
		return !ok
	})
	for id := range keep {
		if _, ok := t.watched[id]; !ok && id != t.ownerID {
			t.watched[id] = &watched{status: StatusUnknown}
		}
	}
}

// Status returns the last polled state of userID. Unwatched users are Unknown.
func (t *Tracker) Status(userID uint) (Status, models.Presence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watched[userID]
	if !ok {
		return StatusUnknown, models.Presence{UserID: userID}
	}
	return w.status, w.presence
}

// Poll reads presence for every watched user once and applies transitions.
// A failed poll leaves state untouched until the next tick.
func (t *Tracker) Poll(ctx context.Context) {
	t.mu.Lock()
	ids := slices.Collect(maps.Keys(t.watched))
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	got, err := t.src.GetMany(ctx, ids)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "presence_poll", err, map[string]any{"owner_id": t.ownerID})
		return
	}

	var transitions []Transition
	t.mu.Lock()
	for id, p := range got {
		w, ok := t.watched[id]
		if !ok {
			continue
		}
		next := StatusOffline
		if p.IsOnline {
			next = StatusOnline
		}
		w.presence = p
		if next != w.status {
			transitions = append(transitions, Transition{UserID: id, From: w.status, To: next, Presence: p})
			w.status = next
		}
	}
	t.mu.Unlock()

	if t.onChange == nil {
		return
	}
	for _, tr := range transitions {
		t.onChange(tr)
	}
}

// heartbeat re-announces a visible owner online. Hidden owners are left to go stale.
func (t *Tracker) heartbeat(ctx context.Context) {
	if !t.Visible() {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.PushTimeout)
	defer cancel()
	if err := t.src.Announce(callCtx, t.ownerID, true, t.now()); err != nil {
		observability.LogAsyncOperationError(ctx, "presence_heartbeat", err, map[string]any{"owner_id": t.ownerID})
	}
}

// Run announces the owner online, then polls and heartbeats on their own
// tickers until ctx is done, then announces the owner offline. It blocks.
func (t *Tracker) Run(ctx context.Context) {
	t.push(true)
	t.Poll(ctx)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	beat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Offline must land after any pending online push.
			t.pushes.Wait()
			t.push(false)
			t.pushes.Wait()
			return
		case <-ticker.C:
			t.Poll(ctx)
		case <-beat.C:
			t.heartbeat(ctx)
		}
	}
}

// SetVisible records whether the owner's client is in the foreground and pushes
// the change, at most once per push interval. A hidden owner stops heartbeating
// and goes stale even if the push was throttled.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	changed := t.visible != visible
	t.visible = visible
	t.mu.Unlock()

	if !changed {
		return
	}
	if !t.limiter.Allow() {
		observability.Logger.Debug("presence push throttled",
			slog.Uint64("owner_id", uint64(t.ownerID)),
			slog.Bool("visible", visible),
		)
		return
	}
	t.push(visible)
}

// Visible reports the owner's last known visibility.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// push announces the owner's state without waiting for the result.
func (t *Tracker) push(online bool) {
	at := t.now()
	t.pushes.Add(1)
	go func() {
		defer t.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PushTimeout)
		defer cancel()
		if err := t.src.Announce(ctx, t.ownerID, online, at); err != nil {
			observability.LogAsyncOperationError(ctx, "presence_push", err, map[string]any{
				"owner_id": t.ownerID,
				"online":   online,
			})
		}
	}()
}
