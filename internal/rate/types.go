package rate

import "time"

// Window represents a provider rate-limit bucket.
type Window int

const (
	Minute Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Declaration defines a provider's client-side request budget.
type Declaration struct {
	provider   string
	limits     map[Window]int
	retryAfter string
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name, retryAfter: "Retry-After"}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// RetryAfterHeader overrides the header carrying the server cooldown in seconds.
func (d Declaration) RetryAfterHeader(name string) Declaration {
	d.retryAfter = name
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
