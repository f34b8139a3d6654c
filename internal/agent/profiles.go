package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/botgatehq/botgate/internal/providers"
)

// profileState tracks availability for one model in the fallback chain.
type profileState struct {
	model        string
	cooldownTill time.Time
	disabled     bool // billing-exhausted, manual re-enable only
}

// ProfileRing resolves which model a run should use. The primary model is
// sticky; transient failure rotates to the next candidate, rate limits and
// auth rejections put the model on cooldown, and billing exhaustion
// disables it for the process lifetime.
type ProfileRing struct {
	mu       sync.Mutex
	profiles []*profileState
	sticky   string // model that last succeeded; preferred while available
	cooldown time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewProfileRing builds a ring from the primary model and its fallbacks.
func NewProfileRing(primary string, fallbacks []string, cooldown time.Duration, log *slog.Logger) *ProfileRing {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	r := &ProfileRing{cooldown: cooldown, log: log.With("component", "profiles"), now: time.Now}
	seen := map[string]bool{}
	for _, m := range append([]string{primary}, fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		r.profiles = append(r.profiles, &profileState{model: m})
	}
	return r
}

// Candidates returns the models to try for a run, in order: the sticky
// model first when it is available, then the remaining available ones in
// configured order.
func (r *ProfileRing) Candidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []string
	appendIf := func(p *profileState) {
		if p.disabled || now.Before(p.cooldownTill) {
			return
		}
		out = append(out, p.model)
	}

	if r.sticky != "" {
		for _, p := range r.profiles {
			if p.model == r.sticky {
				appendIf(p)
			}
		}
	}
	for _, p := range r.profiles {
		if p.model == r.sticky {
			continue
		}
		appendIf(p)
	}

	// Everything cooling down: fall back to configured order rather than
	// refusing to run.
	if len(out) == 0 {
		for _, p := range r.profiles {
			if !p.disabled {
				out = append(out, p.model)
			}
		}
	}
	return out
}

// Seed restores stickiness persisted from an earlier process. A choice
// already made in this process wins; unknown models are ignored.
func (r *ProfileRing) Seed(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sticky != "" || model == "" {
		return
	}
	for _, p := range r.profiles {
		if p.model == model {
			r.sticky = model
			return
		}
	}
}

// Sticky returns the currently preferred model, if any.
func (r *ProfileRing) Sticky() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sticky
}

// ReportSuccess marks the model sticky so later runs keep using it.
func (r *ProfileRing) ReportSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky = model
	for _, p := range r.profiles {
		if p.model == model {
			p.cooldownTill = time.Time{}
		}
	}
}

// ReportFailure updates availability from a classified failure and reports
// whether rotating to another model is worthwhile.
func (r *ProfileRing) ReportFailure(model string, kind providers.ErrorKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.profiles {
		if p.model != model {
			continue
		}
		switch kind {
		case providers.ErrKindRateLimit, providers.ErrKindAuth:
			p.cooldownTill = r.now().Add(r.cooldown)
			r.log.Warn("model on cooldown", "model", model, "kind", kind, "until", p.cooldownTill)
		case providers.ErrKindBillingExhausted:
			p.disabled = true
			r.log.Error("model disabled, billing exhausted", "model", model)
		}
	}
	switch kind {
	case providers.ErrKindRateLimit, providers.ErrKindAuth, providers.ErrKindBillingExhausted:
		if r.sticky == model {
			r.sticky = ""
		}
	}

	switch kind {
	case providers.ErrKindRateLimit, providers.ErrKindAuth, providers.ErrKindProviderTransient, providers.ErrKindTimeout, providers.ErrKindBillingExhausted:
		return true
	}
	return false
}
