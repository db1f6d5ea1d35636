package genrouter

import (
	"context"
	"time"
)

// counterTTL keeps dated usage keys around for two days so a key written
// just before midnight still expires; the UTC-dated key name is what
// actually resets the count at the day boundary.
const counterTTL = 48 * time.Hour

// AdmissionConfig bounds per-user consumption.
type AdmissionConfig struct {
	// DailyLimit caps total generations per user per UTC day.
	DailyLimit int64 `yaml:"daily_limit"`

	// ModeLimits caps generations per mode per UTC day. A missing mode
	// is bounded only by DailyLimit.
	ModeLimits map[Mode]int64 `yaml:"mode_limits"`

	// CooldownSeconds is the minimum gap between admitted requests per
	// user.
	CooldownSeconds int64 `yaml:"cooldown_seconds"`

	// MaxBatch caps Count on a single request.
	MaxBatch int64 `yaml:"max_batch"`
}

// AdmitCheck is the input to a store-native atomic admit.
type AdmitCheck struct {
	GlobalKey       string
	ModeKey         string
	CooldownKey     string
	Count           int64
	GlobalLimit     int64
	ModeLimit       int64 // 0 = unlimited
	Now             int64 // unix seconds
	CooldownSeconds int64
	CounterTTL      time.Duration
}

// AdmitOutcome is the result of a store-native atomic admit.
type AdmitOutcome struct {
	Allowed        bool
	Reason         DenyReason
	RetryAfterSecs int64
	Used           int64
	Limit          int64
}

// Admitter is an optional interface a CounterStore can implement to run
// the cooldown check, both counter checks, the increments, and the
// cooldown write as one server-side atomic operation (the redis store
// does this with a Lua script). Stores without it get the generic
// compare-and-swap path, which is equally safe but takes more round
// trips.
type Admitter interface {
	Admit(ctx context.Context, check AdmitCheck) (AdmitOutcome, error)
}

// QuotaStatus reports a user's current ledger for display.
type QuotaStatus struct {
	Date              string         `json:"date"`
	Used              int64          `json:"used"`
	Limit             int64          `json:"limit"`
	Remaining         int64          `json:"remaining"`
	PerMode           map[Mode]int64 `json:"per_mode,omitempty"`
	CooldownRemaining time.Duration  `json:"cooldown_remaining"`
}

// AdmissionController gates requests on per-user daily quota and
// cooldown before any provider is contacted. Counters live in the shared
// store under UTC-dated keys, so day rollover is a key change rather than
// a cleanup job, and all updates are atomic increments or CAS — safe
// under arbitrary concurrent callers for the same user.
type AdmissionController struct {
	store CounterStore
	cfg   AdmissionConfig
	clock Clock
}

// NewAdmissionController creates a controller over the given store.
func NewAdmissionController(store CounterStore, cfg AdmissionConfig, clock Clock) *AdmissionController {
	if clock == nil {
		clock = SystemClock()
	}
	return &AdmissionController{store: store, cfg: cfg, clock: clock}
}

func (a *AdmissionController) day() string {
	return a.clock.Now().UTC().Format("2006-01-02")
}

func (a *AdmissionController) globalKey(user string) string {
	return "usage:" + user + ":" + a.day()
}

func (a *AdmissionController) modeKey(user string, mode Mode) string {
	return "usage:" + user + ":" + string(mode) + ":" + a.day()
}

func cooldownKey(user string) string { return "cooldown:" + user }

// Admit checks cooldown and daily limits for the user and, on success,
// commits the increments and arms the cooldown. Returns nil when
// admitted, an *AdmissionDeniedError when refused. Quota is committed
// here, before dispatch: a later execution failure does not refund
// automatically (see Refund).
func (a *AdmissionController) Admit(ctx context.Context, userID string, mode Mode, count int64) error {
	if count <= 0 {
		count = 1
	}
	if a.cfg.MaxBatch > 0 && count > a.cfg.MaxBatch {
		return &AdmissionDeniedError{Reason: DenyBatchTooLarge, Used: count, Limit: a.cfg.MaxBatch}
	}

	check := AdmitCheck{
		GlobalKey:       a.globalKey(userID),
		ModeKey:         a.modeKey(userID, mode),
		CooldownKey:     cooldownKey(userID),
		Count:           count,
		GlobalLimit:     a.cfg.DailyLimit,
		ModeLimit:       a.cfg.ModeLimits[mode],
		Now:             a.clock.Now().Unix(),
		CooldownSeconds: a.cfg.CooldownSeconds,
		CounterTTL:      counterTTL,
	}

	var out AdmitOutcome
	var err error
	if native, ok := a.store.(Admitter); ok {
		out, err = native.Admit(ctx, check)
	} else {
		out, err = a.admitCAS(ctx, check)
	}
	if err != nil {
		return err
	}
	if !out.Allowed {
		return &AdmissionDeniedError{
			Reason:     out.Reason,
			RetryAfter: time.Duration(out.RetryAfterSecs) * time.Second,
			Used:       out.Used,
			Limit:      out.Limit,
		}
	}
	return nil
}

// admitCAS is the generic admit path on plain CounterStore primitives.
// Each counter is claimed with a CAS loop, so two concurrent admits can
// never both land inside the last remaining slot; losing the per-mode
// check refunds the already-claimed global increment. The cooldown is
// armed by CASing from the value observed at the top, so of two callers
// racing inside the same window exactly one commits — the loser releases
// its slots and is denied.
func (a *AdmissionController) admitCAS(ctx context.Context, check AdmitCheck) (AdmitOutcome, error) {
	until, _, err := a.store.Get(ctx, check.CooldownKey)
	if err != nil {
		return AdmitOutcome{}, err
	}
	if until > check.Now {
		return AdmitOutcome{
			Allowed:        false,
			Reason:         DenyCooldownActive,
			RetryAfterSecs: until - check.Now,
		}, nil
	}

	if out, err := a.claim(ctx, check.GlobalKey, check.Count, check.GlobalLimit); err != nil || !out.Allowed {
		return out, err
	}
	if check.ModeLimit > 0 {
		out, err := a.claim(ctx, check.ModeKey, check.Count, check.ModeLimit)
		if err != nil || !out.Allowed {
			if err == nil {
				// Release the global slots we already took.
				_, _ = a.store.IncrBy(ctx, check.GlobalKey, -check.Count, check.CounterTTL)
			}
			return out, err
		}
	} else {
		// Per-mode usage is still tracked for status display.
		if _, err := a.store.IncrBy(ctx, check.ModeKey, check.Count, check.CounterTTL); err != nil {
			return AdmitOutcome{}, err
		}
	}

	if check.CooldownSeconds > 0 {
		ttl := time.Duration(check.CooldownSeconds)*time.Second + 10*time.Second
		swapped, err := a.store.CompareAndSwap(ctx, check.CooldownKey, until, check.Now+check.CooldownSeconds, ttl)
		if err != nil {
			return AdmitOutcome{}, err
		}
		if !swapped {
			// A concurrent admit armed the cooldown first: release the
			// claimed slots and deny.
			_, _ = a.store.IncrBy(ctx, check.GlobalKey, -check.Count, check.CounterTTL)
			_, _ = a.store.IncrBy(ctx, check.ModeKey, -check.Count, check.CounterTTL)

			retry := check.CooldownSeconds
			if current, ok, err := a.store.Get(ctx, check.CooldownKey); err == nil && ok && current > check.Now {
				retry = current - check.Now
			}
			return AdmitOutcome{
				Allowed:        false,
				Reason:         DenyCooldownActive,
				RetryAfterSecs: retry,
			}, nil
		}
	}
	return AdmitOutcome{Allowed: true}, nil
}

// claim reserves count slots under key without ever exceeding limit.
func (a *AdmissionController) claim(ctx context.Context, key string, count, limit int64) (AdmitOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return AdmitOutcome{}, err
		}
		used, _, err := a.store.Get(ctx, key)
		if err != nil {
			return AdmitOutcome{}, err
		}
		if used+count > limit {
			return AdmitOutcome{
				Allowed: false,
				Reason:  DenyQuotaExceeded,
				Used:    used,
				Limit:   limit,
			}, nil
		}
		swapped, err := a.store.CompareAndSwap(ctx, key, used, used+count, counterTTL)
		if err != nil {
			return AdmitOutcome{}, err
		}
		if swapped {
			return AdmitOutcome{Allowed: true}, nil
		}
	}
}

// Refund returns up to count slots to the user's ledger, capped at the
// current usage so counters never go negative. Callers wanting exact
// accounting invoke this on cancelled work; the engine itself does not.
func (a *AdmissionController) Refund(ctx context.Context, userID string, mode Mode, count int64) (int64, error) {
	refunded, err := a.refundKey(ctx, a.globalKey(userID), count)
	if err != nil {
		return 0, err
	}
	if _, err := a.refundKey(ctx, a.modeKey(userID, mode), count); err != nil {
		return refunded, err
	}
	return refunded, nil
}

func (a *AdmissionController) refundKey(ctx context.Context, key string, count int64) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		used, ok, err := a.store.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok || used <= 0 {
			return 0, nil
		}
		refund := count
		if refund > used {
			refund = used
		}
		swapped, err := a.store.CompareAndSwap(ctx, key, used, used-refund, counterTTL)
		if err != nil {
			return 0, err
		}
		if swapped {
			return refund, nil
		}
	}
}

// Status returns the user's current quota ledger.
func (a *AdmissionController) Status(ctx context.Context, userID string) (QuotaStatus, error) {
	used, _, err := a.store.Get(ctx, a.globalKey(userID))
	if err != nil {
		return QuotaStatus{}, err
	}
	st := QuotaStatus{
		Date:      a.day(),
		Used:      used,
		Limit:     a.cfg.DailyLimit,
		Remaining: max64(0, a.cfg.DailyLimit-used),
		PerMode:   make(map[Mode]int64),
	}
	for mode := range a.cfg.ModeLimits {
		v, _, err := a.store.Get(ctx, a.modeKey(userID, mode))
		if err != nil {
			return QuotaStatus{}, err
		}
		st.PerMode[mode] = v
	}
	until, ok, err := a.store.Get(ctx, cooldownKey(userID))
	if err != nil {
		return QuotaStatus{}, err
	}
	if now := a.clock.Now().Unix(); ok && until > now {
		st.CooldownRemaining = time.Duration(until-now) * time.Second
	}
	return st, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
