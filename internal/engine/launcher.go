package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/srvlaunch/srvlaunch/internal/config"
	"github.com/srvlaunch/srvlaunch/internal/download"
	"github.com/srvlaunch/srvlaunch/internal/mirror"
	"github.com/srvlaunch/srvlaunch/internal/release"
	"github.com/srvlaunch/srvlaunch/internal/safety"
	"github.com/srvlaunch/srvlaunch/internal/store"
)

// Options tune a single Prepare call.
type Options struct {
	Force   bool   // download even if the artifact on disk is current
	NoProbe bool   // skip mirror probing and download from the origin
	Workers int    // overrides download.workers when positive
	Tag     string // overrides release.tag when set
}

// Artifact is a release asset ready on disk.
type Artifact struct {
	RunID    string
	Path     string
	Tag      string
	Asset    string
	SHA256   string
	Size     int64
	Mirror   string
	Workers  int
	Skipped  bool
	Duration time.Duration
}

// Launcher resolves, downloads and starts the configured release.
type Launcher struct {
	cfg      *config.Config
	cfgPath  string
	releases *release.Client
	selector *mirror.Selector
	client   *download.Client
	store    *store.Store
	reporter *Reporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewLauncher builds a Launcher from cfg. Successful downloads are recorded
// in the config file at cfgPath when it is non-empty. st and reporter may be nil.
func NewLauncher(cfg *config.Config, cfgPath string, st *store.Store, reporter *Reporter, logger *slog.Logger) (*Launcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = NewReporter(nil, false)
	}

	timeout, err := cfg.DownloadTimeout()
	if err != nil {
		return nil, err
	}
	limit, err := cfg.LimitRate()
	if err != nil {
		return nil, err
	}

	token := cfg.Release.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}

	return &Launcher{
		cfg:      cfg,
		cfgPath:  cfgPath,
		releases: release.NewClient(cfg.Release.APIBaseURL, token, logger),
		selector: mirror.NewSelector(logger),
		client:   download.NewClient(logger, download.WithTimeout(timeout), download.WithRateLimit(limit)),
		store:    st,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Releases lists the configured repository's releases.
func (l *Launcher) Releases(ctx context.Context) ([]release.Release, error) {
	return l.releases.List(ctx, l.cfg.Release.Owner, l.cfg.Release.Repo)
}

// Resolve picks the release and asset that Prepare would download.
func (l *Launcher) Resolve(ctx context.Context, tag string) (*release.Release, *release.Asset, error) {
	releases, err := l.Releases(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing releases: %w", err)
	}
	if tag == "" {
		tag = l.cfg.Release.Tag
	}
	rel, err := release.Pick(releases, tag, l.cfg.Release.AllowPrerelease)
	if err != nil {
		return nil, nil, err
	}
	asset, err := rel.Asset(l.cfg.Release.AssetPattern)
	if err != nil {
		return nil, nil, err
	}
	return rel, asset, nil
}

// SelectMirror probes the configured candidates for origin.
func (l *Launcher) SelectMirror(ctx context.Context, origin string) (*mirror.Selection, error) {
	candidates := mirror.Candidates(l.cfg.Download.IncludeOrigin, l.cfg.Download.Mirrors)
	return l.selector.Select(ctx, origin, candidates, l.reporter.Probe)
}

// Prepare makes sure the selected release asset is on disk and returns it.
// A download failure leaves the config untouched and the launch recorded
// as failed.
func (l *Launcher) Prepare(ctx context.Context, opts Options) (*Artifact, error) {
	start := l.now()
	l.reporter.SetPhase(PhaseResolving)

	rel, asset, err := l.Resolve(ctx, opts.Tag)
	if err != nil {
		l.reporter.SetPhase(PhaseFailed)
		return nil, err
	}
	dest, err := safety.ArtifactPath(l.cfg.Install.Dir, asset.Name)
	if err != nil {
		l.reporter.SetPhase(PhaseFailed)
		return nil, fmt.Errorf("asset %q: %w", asset.Name, err)
	}
	l.logger.Info("resolved release", "tag", rel.TagName, "asset", asset.Name)

	launch := &store.Launch{
		Tag:       rel.TagName,
		Asset:     asset.Name,
		URL:       asset.BrowserDownloadURL,
		StartTime: start,
		EndTime:   start,
	}

	if !opts.Force {
		if hash, ok := l.currentHash(rel.TagName, asset.Name, dest); ok {
			l.logger.Info("artifact is up to date", "path", dest, "sha256", hash)
			launch.Skipped = true
			launch.Status = store.StatusSkipped
			launch.SHA256 = hash
			l.createLaunch(launch)
			l.reporter.SetPhase(PhaseComplete)
			return &Artifact{
				RunID:   launch.RunID,
				Path:    dest,
				Tag:     rel.TagName,
				Asset:   asset.Name,
				SHA256:  hash,
				Skipped: true,
			}, nil
		}
	}

	l.createLaunch(launch)
	art, sel, err := l.fetch(ctx, opts, asset, dest)
	launch.EndTime = l.now()
	if sel != nil {
		l.recordProbes(launch.ID, sel.Results)
		launch.MirrorTag = sel.Tag
		launch.URL = sel.URL
	}
	if err != nil {
		l.reporter.SetPhase(PhaseFailed)
		launch.Status = store.StatusFailed
		launch.ErrorMessage = err.Error()
		l.updateLaunch(launch)
		return nil, err
	}

	launch.Status = store.StatusSucceeded
	launch.Size = art.Size
	launch.SHA256 = art.SHA256
	launch.Workers = art.Workers
	l.updateLaunch(launch)

	l.cfg.Install.LastHash = art.SHA256
	l.cfg.Install.LastTag = rel.TagName
	l.cfg.Install.LastAsset = asset.Name
	if l.cfgPath != "" {
		if err := config.UpdateLastDownload(l.cfgPath, art.SHA256, rel.TagName, asset.Name); err != nil {
			return nil, fmt.Errorf("saving config: %w", err)
		}
	}

	art.RunID = launch.RunID
	art.Tag = rel.TagName
	art.Asset = asset.Name
	art.Duration = l.now().Sub(start)
	l.reporter.SetPhase(PhaseComplete)
	l.logger.Info("artifact ready", "path", art.Path, "size", art.Size, "mirror", art.Mirror, "workers", art.Workers, "duration", art.Duration)
	return art, nil
}

// fetch selects a source, downloads asset into a temporary file beside dest
// and moves it into place once its hash is known. The selection is returned
// even when the download fails.
func (l *Launcher) fetch(ctx context.Context, opts Options, asset *release.Asset, dest string) (*Artifact, *mirror.Selection, error) {
	origin := asset.BrowserDownloadURL

	var sel *mirror.Selection
	if opts.NoProbe || !l.cfg.Download.Probe {
		sel = &mirror.Selection{URL: origin, Tag: mirror.OriginTag}
	} else {
		l.reporter.SetPhase(PhaseProbing)
		var err error
		sel, err = l.SelectMirror(ctx, origin)
		if err != nil {
			return nil, nil, err
		}
	}
	l.logger.Info("selected download source", "mirror", sel.Tag, "url", sel.URL)
	l.reporter.SetMirror(sel.Tag)

	total, ok := l.client.ContentLength(ctx, sel.URL)
	if !ok {
		l.logger.Debug("content length unknown, streaming on one connection", "url", sel.URL)
	}

	workers := l.cfg.Download.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}

	part := dest + ".part"
	l.reporter.SetPhase(PhaseDownloading)
	res, err := l.client.Download(ctx, download.Plan{
		URL:       sel.URL,
		DestPath:  part,
		TotalSize: total,
		Workers:   workers,
	}, l.reporter.Sample)
	l.reporter.Finish()
	if err != nil {
		_ = os.Remove(part)
		var httpErr *download.HTTPError
		if errors.As(err, &httpErr) {
			return nil, sel, fmt.Errorf("downloading from %s: server returned %d: %w", sel.Tag, httpErr.StatusCode, err)
		}
		return nil, sel, fmt.Errorf("downloading from %s: %w", sel.Tag, err)
	}
	if ok && res.Size != total {
		_ = os.Remove(part)
		return nil, sel, fmt.Errorf("downloading from %s: incomplete artifact: got %d of %d bytes", sel.Tag, res.Size, total)
	}

	l.reporter.SetPhase(PhaseVerifying)
	hash, err := download.HashFile(part)
	if err != nil {
		_ = os.Remove(part)
		return nil, sel, err
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return nil, sel, fmt.Errorf("moving artifact into place: %w", err)
	}

	return &Artifact{
		Path:    dest,
		SHA256:  hash,
		Size:    res.Size,
		Mirror:  sel.Tag,
		Workers: res.Workers,
	}, sel, nil
}

// currentHash reports whether dest already holds the last downloaded
// artifact for tag and asset.
func (l *Launcher) currentHash(tag, asset, dest string) (string, bool) {
	inst := l.cfg.Install
	if inst.LastHash == "" || inst.LastTag != tag || inst.LastAsset != asset {
		return "", false
	}
	hash, err := download.HashFile(dest)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("failed to hash existing artifact", "path", dest, "error", err)
		}
		return "", false
	}
	if hash != inst.LastHash {
		l.logger.Info("existing artifact changed on disk, downloading again", "path", dest)
		return "", false
	}
	return hash, true
}

func (l *Launcher) createLaunch(launch *store.Launch) {
	if l.store == nil {
		return
	}
	if err := l.store.CreateLaunch(launch); err != nil {
		l.logger.Error("failed to create launch record", "tag", launch.Tag, "error", err)
	}
}

func (l *Launcher) updateLaunch(launch *store.Launch) {
	if l.store == nil || launch.ID == 0 {
		return
	}
	if err := l.store.UpdateLaunch(launch); err != nil {
		l.logger.Error("failed to update launch record", "run_id", launch.RunID, "error", err)
	}
}

func (l *Launcher) recordProbes(launchID int64, results []mirror.ProbeResult) {
	if l.store == nil || launchID == 0 || len(results) == 0 {
		return
	}
	records := make([]store.ProbeRecord, 0, len(results))
	for _, r := range results {
		records = append(records, store.ProbeRecord{
			Tag:            r.Tag,
			URL:            r.URL,
			OK:             r.OK,
			ElapsedMS:      r.Elapsed.Milliseconds(),
			BytesPerSecond: r.BytesPerSecond,
			Error:          r.Error,
		})
	}
	if err := l.store.RecordProbeResults(launchID, records); err != nil {
		l.logger.Error("failed to record probe results", "launch_id", launchID, "error", err)
	}
}
