// Package policy loads the declarative rate-limit policy document and turns
// it into one independent limiter per protected route.
//
// A document looks like:
//
//	policies:
//	  - name: username-lookup
//	    path: /api/users/{username}/identity
//	    methods: [GET]
//	    window: 60s
//	    max_requests: 20
//	    max_tracked_keys: 500   # optional
//	    key_ttl: 60s            # optional, defaults to window
//
// Documents come from a local file or an SSM parameter and can be re-read at
// runtime by a Watcher.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/lookupguard/internal/ratelimit"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// Duration is a time.Duration written as "60s" or "1m30s" in YAML
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Milliseconds() int64 { return time.Duration(d).Milliseconds() }

type Policy struct {
	Name           string   `yaml:"name" json:"name"`
	Path           string   `yaml:"path" json:"path"`
	Methods        []string `yaml:"methods" json:"methods"`
	Window         Duration `yaml:"window" json:"window"`
	MaxRequests    int      `yaml:"max_requests" json:"max_requests"`
	MaxTrackedKeys int      `yaml:"max_tracked_keys,omitempty" json:"max_tracked_keys,omitempty"`
	KeyTTL         Duration `yaml:"key_ttl,omitempty" json:"key_ttl,omitempty"`
}

// LimiterConfig converts the policy into the limiter's millisecond config
func (p Policy) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		WindowMs:             p.Window.Milliseconds(),
		MaxRequestsPerWindow: p.MaxRequests,
		MaxTrackedKeys:       p.MaxTrackedKeys,
		KeyTTLMs:             p.KeyTTL.Milliseconds(),
	}
}

type Document struct {
	Policies []Policy `yaml:"policies"`
}

const (
	DefaultName        = "username-lookup"
	DefaultPath        = "/api/users/{username}/identity"
	DefaultWindow      = time.Minute
	DefaultMaxRequests = 20
)

// Default protects the username lookup route with 20 requests per minute
// per caller, used when no document is configured
func Default() *Document {
	return &Document{Policies: []Policy{{
		Name:        DefaultName,
		Path:        DefaultPath,
		Methods:     []string{http.MethodGet},
		Window:      Duration(DefaultWindow),
		MaxRequests: DefaultMaxRequests,
	}}}
}

// Parse decodes a document strictly (unknown fields are errors), upper-cases
// methods and validates the result
func Parse(b []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "decode policy document")
	}
	for i := range doc.Policies {
		for j, m := range doc.Policies[i].Methods {
			doc.Policies[i].Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

var (
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

	knownMethods = map[string]bool{
		http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
		http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
		http.MethodOptions: true,
	}
)

// Validate reports every problem in the document. Window and limit checks are
// delegated to ratelimit.Config so the limiter stays the source of truth.
func (d *Document) Validate() error {
	if len(d.Policies) == 0 {
		return xerrors.New("policy document has no policies")
	}

	var errs []error
	names := make(map[string]bool, len(d.Policies))
	routes := make(map[string]string)

	for i, p := range d.Policies {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		bad := func(format string, args ...any) {
			errs = append(errs, fmt.Errorf("policy %s: "+format, append([]any{label}, args...)...))
		}

		switch {
		case p.Name == "":
			bad("name is required")
		case !namePattern.MatchString(p.Name):
			bad("name must match %s", namePattern)
		case names[p.Name]:
			bad("duplicate name")
		}
		names[p.Name] = true

		if err := validatePath(p.Path); err != nil {
			bad("%v", err)
		}
		if len(p.Methods) == 0 {
			bad("at least one method is required")
		}
		for _, m := range p.Methods {
			if !knownMethods[m] {
				bad("unsupported method %q", m)
				continue
			}
			key := m + " " + p.Path
			if owner, ok := routes[key]; ok {
				bad("%s already limited by policy %s", key, owner)
			}
			routes[key] = label
		}

		if err := p.LimiterConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

// validatePath catches patterns chi would panic on at registration
func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q must start with /", p)
	}
	depth := 0
	for i, c := range p {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
		case '*':
			if i != len(p)-1 {
				return fmt.Errorf("path %q: wildcard must be the last character", p)
			}
		}
		if depth < 0 || depth > 1 {
			return fmt.Errorf("path %q has unbalanced braces", p)
		}
	}
	if depth != 0 {
		return fmt.Errorf("path %q has unbalanced braces", p)
	}
	return nil
}
