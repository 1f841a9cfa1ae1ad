package llm

import "fmt"

// Router maps a Backend selector to a configured generator.
type Router struct {
	primary   Generator
	secondary Generator
}

// NewRouter builds a router. A nil secondary makes the secondary selector
// fall back to the primary generator.
func NewRouter(primary, secondary Generator) *Router {
	return &Router{primary: primary, secondary: secondary}
}

func (r *Router) Select(b Backend) (Generator, error) {
	switch b {
	case BackendPrimary, "":
		if r.primary == nil {
			return nil, fmt.Errorf("primary generation backend is not configured")
		}
		return r.primary, nil
	case BackendSecondary:
		if r.secondary != nil {
			return r.secondary, nil
		}
		if r.primary != nil {
			return r.primary, nil
		}
		return nil, fmt.Errorf("secondary generation backend is not configured")
	default:
		return nil, fmt.Errorf("unsupported generation backend %q", b)
	}
}

// Live returns the generator used by streaming sessions: the primary with the
// secondary as a fallback.
func (r *Router) Live() Generator {
	if r.secondary == nil || r.secondary == r.primary {
		return r.primary
	}
	return NewFallback(r.primary, r.secondary)
}
