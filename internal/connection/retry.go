package connection

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Contact point attributes that configure automatic reconnection. Delays are
// given in whole seconds.
const (
	AttrInitialDelay    = "autoRetryInitialDelay"
	AttrDelayMultiplier = "autoRetryDelayMultiplier"
	AttrMaximumDelay    = "autoRetryMaximumDelay"
)

// MinInitialDelay is the shortest accepted initial retry delay; shorter
// values disable auto-retry.
var MinInitialDelay = 5 * time.Second

// RetryPolicy controls automatic reconnection of a setup. The zero value
// disables it.
type RetryPolicy struct {
	Enabled      bool          `json:"enabled"`
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	// MaximumDelay caps the delay; zero means uncapped.
	MaximumDelay time.Duration `json:"maximum_delay"`
}

// PolicyFromAttributes reads the auto-retry attributes of a contact point
// definition. Auto-retry stays disabled unless an initial delay is present.
// Out of range values are corrected where possible; the returned warnings
// describe every correction.
func PolicyFromAttributes(attrs map[string]string) (RetryPolicy, []string, error) {
	var warnings []string
	raw, ok := attrs[AttrInitialDelay]
	if !ok {
		return RetryPolicy{}, nil, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return RetryPolicy{}, nil, fmt.Errorf("parse %s %q: %w", AttrInitialDelay, raw, err)
	}
	p := RetryPolicy{InitialDelay: time.Duration(secs) * time.Second, Multiplier: 1}
	if p.InitialDelay < MinInitialDelay {
		warnings = append(warnings, fmt.Sprintf("initial auto-retry delay cannot be less than %s; auto-retry disabled", MinInitialDelay))
		return RetryPolicy{}, warnings, nil
	}

	if raw := attrs[AttrDelayMultiplier]; raw != "" {
		m, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return RetryPolicy{}, nil, fmt.Errorf("parse %s %q: %w", AttrDelayMultiplier, raw, err)
		}
		p.Multiplier = m
	}
	if p.Multiplier < 1 {
		warnings = append(warnings, "auto-retry delay multiplier cannot be less than 1; using 1")
		p.Multiplier = 1
	}

	if raw, ok := attrs[AttrMaximumDelay]; ok {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return RetryPolicy{}, nil, fmt.Errorf("parse %s %q: %w", AttrMaximumDelay, raw, err)
		}
		p.MaximumDelay = time.Duration(secs) * time.Second
		if p.MaximumDelay < p.InitialDelay {
			warnings = append(warnings, "maximum auto-retry delay cannot be less than the initial delay; maximum disabled")
			p.MaximumDelay = 0
		}
	}
	p.Enabled = true
	return p, warnings, nil
}

// Delay returns the wait before the retry that follows the given number of
// consecutive failures.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	f := float64(p.InitialDelay) * math.Pow(mult, float64(failures-1))
	if p.MaximumDelay > 0 && f > float64(p.MaximumDelay) {
		return p.MaximumDelay
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(f))
}

// Attributes renders the policy as contact point attributes, such that
// PolicyFromAttributes yields it back. A disabled policy has none.
func (p RetryPolicy) Attributes() map[string]string {
	if !p.Enabled {
		return nil
	}
	attrs := map[string]string{
		AttrInitialDelay:    strconv.Itoa(int(p.InitialDelay / time.Second)),
		AttrDelayMultiplier: strconv.FormatFloat(p.Multiplier, 'g', -1, 64),
	}
	if p.MaximumDelay > 0 {
		attrs[AttrMaximumDelay] = strconv.Itoa(int(p.MaximumDelay / time.Second))
	}
	return attrs
}
