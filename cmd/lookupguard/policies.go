package main

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/lookupguard/internal/cfg"
	"github.com/keithlinneman/lookupguard/internal/cryptoutil"
	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/metrics"
	"github.com/keithlinneman/lookupguard/internal/policy"
	"github.com/keithlinneman/lookupguard/internal/ratelimit"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// policySource picks the configured document source, nil means the built-in
// policy. With a signing key the source is wrapped to require a valid signature.
func policySource(ctx context.Context, conf cfg.App) (policy.Source, error) {
	if conf.PolicySSMParam == "" && conf.PolicyFile == "" {
		return nil, nil
	}

	var awsCfg aws.Config
	if conf.PolicySSMParam != "" || conf.PolicySigningKeyARN != "" {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	var doc, sig policy.Source
	sigName := conf.PolicySignature
	if conf.PolicySSMParam != "" {
		client := ssm.NewFromConfig(awsCfg)
		if sigName == "" {
			sigName = conf.PolicySSMParam + policy.SignatureSuffix
		}
		doc = policy.SSMSource{Client: client, Param: conf.PolicySSMParam}
		sig = policy.SSMSource{Client: client, Param: sigName}
	} else {
		if sigName == "" {
			sigName = conf.PolicyFile + policy.SignatureSuffix
		}
		doc = policy.FileSource{Path: conf.PolicyFile}
		sig = policy.FileSource{Path: sigName}
	}

	if conf.PolicySigningKeyARN == "" {
		return doc, nil
	}
	return policy.SignedSource{
		Source:    doc,
		Signature: sig,
		Verifier:  cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN),
	}, nil
}

// builtinPolicy is the default username lookup policy with the flag overrides applied
func builtinPolicy(conf cfg.App) *policy.Document {
	doc := policy.Default()
	p := &doc.Policies[0]
	p.Window = policy.Duration(conf.RateLimitWindow)
	p.MaxRequests = conf.RateLimitMaxRequests
	p.MaxTrackedKeys = conf.RateLimitMaxTrackedKeys
	p.KeyTTL = policy.Duration(conf.RateLimitKeyTTL)
	return doc
}

// decisionMetrics is the part of *metrics.ServerMetrics the limiter hooks feed
type decisionMetrics interface {
	ObserveRateLimitDecision(policy string, allowed bool)
	IncRateLimitEviction(policy, reason string)
}

// limiterOptions labels every limiter's hooks with its policy name
func limiterOptions(L log.Logger, m decisionMetrics) policy.OptionsFunc {
	return func(p policy.Policy) []ratelimit.Option {
		name := p.Name
		pl := L.With("policy", name)
		return []ratelimit.Option{
			ratelimit.WithLogger(pl),
			ratelimit.WithOnAdmitted(func(string) {
				m.ObserveRateLimitDecision(name, true)
			}),
			ratelimit.WithOnDenied(func(string, ratelimit.Decision) {
				m.ObserveRateLimitDecision(name, false)
			}),
			// once per tracked ip until it is evicted, not once per request
			ratelimit.WithOnFirstDenied(func(ip string) {
				pl.Warn(context.Background(), "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnEvict(func(_ string, reason ratelimit.EvictReason) {
				m.IncRateLimitEviction(name, string(reason))
			}),
		}
	}
}

func publishRoutes(m *metrics.ServerMetrics, routes []policy.Route, source string) {
	tracked := make(map[string]metrics.KeyCounter, len(routes))
	for _, r := range routes {
		tracked[r.Policy.Name] = r.Limiter
	}
	m.SetTrackedLimiters(tracked)
	m.SetPoliciesLoaded(source, len(routes))
}

func logRoutes(ctx context.Context, L log.Logger, routes []policy.Route, source string) {
	for _, r := range routes {
		c := r.Limiter.Config()
		L.Info(ctx, "rate limit policy active",
			"source", source,
			"policy", r.Policy.Name,
			"path", r.Policy.Path,
			"methods", r.Policy.Methods,
			"window_ms", c.WindowMs,
			"max_requests", c.MaxRequestsPerWindow,
			"max_tracked_keys", c.MaxTrackedKeys,
			"key_ttl_ms", c.KeyTTLMs,
		)
	}
}
