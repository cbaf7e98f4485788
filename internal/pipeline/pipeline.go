// Package pipeline declares the ruleset build: which builders exist, what
// each waits for and which failures end the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/registry"
	"github.com/hochfrequenz/ruleset-build/internal/scheduler"
	"github.com/hochfrequenz/ruleset-build/internal/stepexec"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

// Builder names
const (
	Common             = "common"
	RejectIPList       = "reject-ip-list"
	AppleCDN           = "apple-cdn"
	CDNDownloadConf    = "cdn-download-conf"
	RejectDomainSet    = "reject-domainset"
	TelegramCIDR       = "telegram-cidr"
	ChnCIDR            = "chn-cidr"
	DomesticRuleset    = "domestic-ruleset"
	RedirectModule     = "redirect-module"
	AlwaysRealIPModule = "always-real-ip-module"
	StreamService      = "stream-service"
	MicrosoftCDN       = "microsoft-cdn"
	SSPanelAppProfile  = "sspanel-appprofile"
	CloudMounterRules  = "cloudmounter-rules"
	SpeedtestDomainSet = "speedtest-domainset"
	DownloadMockAssets = "download-mock-assets"
	RemoveStaleFiles   = "remove-stale-files"
	DeprecateFiles     = "deprecate-files"
	Public             = "public"
)

// SpeedtestOutput is the speedtest list, relative to the public dir
const SpeedtestOutput = "List/domainset/speedtest.conf"

// Spec declares one builder of the pipeline
type Spec struct {
	Name    string
	Prereqs []domain.Prerequisite
	Fatal   bool
}

// Canonical returns the builder declarations of the ruleset build.
// speedtestOutput, when non-empty, is the file deprecate-files reads.
func Canonical(speedtestOutput string) []Spec {
	prefetch := []domain.Prerequisite{domain.Prefetch()}

	specs := []Spec{
		{Name: Common, Prereqs: prefetch, Fatal: true},
		{Name: RejectIPList, Prereqs: prefetch},
		{Name: AppleCDN, Prereqs: prefetch},
		{Name: CDNDownloadConf, Prereqs: prefetch},
		{Name: RejectDomainSet, Prereqs: prefetch},
		{Name: TelegramCIDR, Prereqs: prefetch},
		{Name: ChnCIDR, Prereqs: prefetch},
		{Name: DomesticRuleset, Prereqs: prefetch},
		{Name: RedirectModule, Prereqs: prefetch},
		{Name: AlwaysRealIPModule, Prereqs: prefetch},
		{Name: StreamService, Prereqs: prefetch},
		{Name: MicrosoftCDN, Prereqs: prefetch},
		{Name: SSPanelAppProfile, Prereqs: []domain.Prerequisite{domain.Prefetch(), domain.After(Common)}},
		{Name: CloudMounterRules, Prereqs: prefetch},
		{Name: SpeedtestDomainSet, Prereqs: prefetch},
		{Name: DownloadMockAssets},
		{Name: RemoveStaleFiles},
	}

	deprecate := Spec{Name: DeprecateFiles, Prereqs: []domain.Prerequisite{domain.After(ChnCIDR)}}
	if speedtestOutput != "" {
		deprecate.Prereqs = append(deprecate.Prereqs, domain.Output(SpeedtestDomainSet, speedtestOutput))
	} else {
		deprecate.Prereqs = append(deprecate.Prereqs, domain.After(SpeedtestDomainSet))
	}

	return append(specs, deprecate, Spec{Name: Public, Prereqs: []domain.Prerequisite{domain.After(DeprecateFiles)}})
}

// Options configures New
type Options struct {
	RootDir     string
	PublicDir   string
	RemoveFiles []string
	Steps       *stepexec.Executor
	Scheduler   scheduler.Options
}

// New registers the canonical builders and declares their prerequisites.
// Builders are backed by opts.Steps except remove-stale-files, which deletes
// opts.RemoveFiles.
func New(opts Options) (*registry.Registry, *scheduler.Graph, error) {
	if opts.Steps == nil {
		opts.Steps = stepexec.NewExecutor(stepexec.ExecutorConfig{
			RootDir:   opts.RootDir,
			PublicDir: opts.PublicDir,
			Logger:    opts.Scheduler.Logger,
		})
	}

	// A declared output is only checked when a command produces it.
	var speedtest string
	if opts.Steps.Configured(SpeedtestDomainSet) {
		speedtest = filepath.Join(opts.PublicDir, SpeedtestOutput)
	}

	reg := registry.New()
	specs := Canonical(speedtest)
	for _, s := range specs {
		if s.Name == RemoveStaleFiles {
			continue
		}
		reg.MustRegister(opts.Steps.Builder(s.Name))
	}
	if err := reg.RegisterFunc(RemoveStaleFiles, removeFiles(opts.RootDir, opts.RemoveFiles, opts.Scheduler.Logger)); err != nil {
		return nil, nil, err
	}

	g := scheduler.NewGraph(reg, opts.Scheduler)
	if err := Declare(g, specs); err != nil {
		return nil, nil, err
	}
	return reg, g, nil
}

// Declare adds the prerequisites and fatal flags of specs to g
func Declare(g *scheduler.Graph, specs []Spec) error {
	for _, s := range specs {
		for _, p := range s.Prereqs {
			if err := g.AddEdge(s.Name, p); err != nil {
				return fmt.Errorf("declare %s: %w", s.Name, err)
			}
		}
		if s.Fatal {
			if err := g.SetFatal(s.Name); err != nil {
				return fmt.Errorf("declare %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

func removeFiles(root string, files []string, logger *slog.Logger) registry.RunFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, _ *trace.Span, _ domain.Inputs) error {
		var errs []error
		for _, f := range files {
			if !filepath.IsAbs(f) {
				f = filepath.Join(root, f)
			}
			err := os.Remove(f)
			switch {
			case err == nil:
				logger.Debug("removed stale file", slog.String("path", f))
			case errors.Is(err, os.ErrNotExist):
			default:
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
