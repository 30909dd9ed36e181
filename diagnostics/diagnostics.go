// Package diagnostics inspects the WordPress OAuth configuration after a
// failed sign-in. It is read-only and never fails: a broken check becomes
// its own error result.
package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/oauth"
)

// Verdict is the outcome of one check.
type Verdict string

const (
	OK      Verdict = "ok"
	Warning Verdict = "warning"
	Error   Verdict = "error"
)

func (v Verdict) rank() int {
	switch v {
	case Error:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

// Result is one check's finding.
type Result struct {
	Name        string  `json:"name"`
	Verdict     Verdict `json:"verdict"`
	Message     string  `json:"message"`
	Remediation string  `json:"remediation,omitempty"`
}

// Report is the full set of findings.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Config      oauth.Config `json:"config"`
	Results     []Result     `json:"results"`
}

// Worst returns the most severe verdict in the report.
func (r Report) Worst() Verdict {
	worst := OK
	for _, res := range r.Results {
		if res.Verdict.rank() > worst.rank() {
			worst = res.Verdict
		}
	}
	return worst
}

// Count returns how many results carry v.
func (r Report) Count(v Verdict) int {
	n := 0
	for _, res := range r.Results {
		if res.Verdict == v {
			n++
		}
	}
	return n
}

// Options tunes Run. Probe enables network checks against the provider.
type Options struct {
	Probe        bool
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

const DefaultProbeTimeout = 5 * time.Second

// Run evaluates cfg. Config checks always run; connectivity probes run
// concurrently when opts.Probe is set.
func Run(ctx context.Context, cfg oauth.Config, opts Options) Report {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	report := Report{GeneratedAt: opts.Now().UTC(), Config: cfg.Masked()}
	for _, c := range configChecks() {
		report.Results = append(report.Results, runCheck(c.name, func() Result { return c.run(cfg) }))
	}
	if opts.Probe {
		report.Results = append(report.Results, probe(ctx, cfg, opts)...)
	}

	opts.Logger.Debug("diagnostics complete",
		"results", len(report.Results),
		"errors", report.Count(Error),
		"warnings", report.Count(Warning),
	)
	return report
}

func runCheck(name string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Name: name, Verdict: Error, Message: fmt.Sprintf("Check failed internally: %v", r)}
		}
	}()
	res = fn()
	res.Name = name
	return res
}
