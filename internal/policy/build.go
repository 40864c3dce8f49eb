package policy

import (
	"github.com/keithlinneman/lookupguard/internal/ratelimit"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// Route pairs a policy with the limiter enforcing it
type Route struct {
	Policy  Policy
	Limiter *ratelimit.Limiter
}

// OptionsFunc supplies per-policy limiter options, typically hooks labelled with the policy name
type OptionsFunc func(Policy) []ratelimit.Option

// Build creates one limiter per policy, so no two routes ever share a store.
// A limiter in prev whose policy has the same name and limiter config is
// carried over, keeping its request logs across a reload.
func Build(doc *Document, prev []Route, opts OptionsFunc) ([]Route, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	reuse := make(map[string]Route, len(prev))
	for _, r := range prev {
		reuse[r.Policy.Name] = r
	}

	routes := make([]Route, 0, len(doc.Policies))
	for _, p := range doc.Policies {
		if old, ok := reuse[p.Name]; ok && old.Limiter.Config() == p.LimiterConfig().WithDefaults() {
			routes = append(routes, Route{Policy: p, Limiter: old.Limiter})
			continue
		}
		var o []ratelimit.Option
		if opts != nil {
			o = opts(p)
		}
		l, err := ratelimit.New(p.LimiterConfig(), o...)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy %s", p.Name)
		}
		routes = append(routes, Route{Policy: p, Limiter: l})
	}
	return routes, nil
}
