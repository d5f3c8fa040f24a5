package download

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
	"github.com/caravel-data/caravel/store"
)

// Config carries the per-invocation settings of a pipeline run.
type Config struct {
	// ServerURL is the catalog service base, e.g. https://example.org.
	ServerURL string
	// CatalogID selects the catalog on the server.
	CatalogID string
	// Token is a bearer credential; empty means anonymous.
	Token string
	// OutputDir is where results (or the packaged bag) land.
	OutputDir string
	// EnvOverrides are caller-supplied interpolation variables. They win
	// over variables declared in the specification document.
	EnvOverrides map[string]string
	// Strict escalates per-asset failures to run failures.
	Strict bool
	// WeakValidation skips checksum recomputation when validating the bag.
	WeakValidation bool

	Log *zap.SugaredLogger
}

// Downloader executes pipeline specifications against one catalog.
type Downloader struct {
	cfg Config
	cat *catalog.Catalog
	st  *store.Store
	log *zap.SugaredLogger
}

// New validates the configuration and binds the catalog and object store
// clients.
func New(cfg Config) (*Downloader, error) {
	if cfg.ServerURL == "" {
		return nil, errors.Mark(errors.New("server URL is required"), errors.ErrConfiguration)
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid server URL"), errors.ErrConfiguration)
	}
	if cfg.CatalogID == "" {
		cfg.CatalogID = "1"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Log == nil {
		cfg.Log = logger.Logger
	}
	log := cfg.Log.Named("download")
	return &Downloader{
		cfg: cfg,
		cat: catalog.New(cfg.ServerURL, cfg.CatalogID, cfg.Token, cfg.Log),
		st:  store.New(cfg.ServerURL, cfg.Token, cfg.Log),
		log: log,
	}, nil
}

// Run executes the specification's stages in order: query, transform,
// packaging, post. It returns the final output set, keyed by artifact-
// relative path. Query and transform failures abort the run and remove a
// partially built bag; post-processing failures leave the local outputs in
// place so the run can be retried without re-downloading.
func (d *Downloader) Run(ctx context.Context, spec *Spec) (Outputs, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	rt, b, cleanup, err := d.newRuntime(spec)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	d.log.Infow("pipeline starting",
		logger.FieldHost, d.cfg.ServerURL, "bag", rt.IsBag, "env_keys", rt.Env.Keys())

	if err := d.runStage(ctx, rt, "query", spec.Catalog.QueryProcessors, queryProcessors); err != nil {
		cleanup()
		return nil, err
	}
	if err := d.checkPayloadSize(rt, spec); err != nil {
		cleanup()
		return nil, err
	}
	if err := d.runStage(ctx, rt, "transform", spec.TransformProcessors, transformProcessors); err != nil {
		cleanup()
		return nil, err
	}
	if err := d.checkPayloadSize(rt, spec); err != nil {
		cleanup()
		return nil, err
	}

	if rt.IsBag {
		if err := d.packageBag(rt, b, spec); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := d.runStage(ctx, rt, "post", spec.PostProcessors, postProcessors); err != nil {
		// Local outputs are kept; the caller can retry post-processing.
		return rt.Outputs, err
	}

	d.log.Infow("pipeline finished",
		logger.FieldCount, len(rt.Outputs),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return rt.Outputs, nil
}

// newRuntime seeds the environment and, when the specification asks for a
// bag, creates the bag skeleton. The returned cleanup removes partial bag
// state on stage failure.
func (d *Downloader) newRuntime(spec *Spec) (*Runtime, *bag.Bag, func(), error) {
	hostname := d.cfg.ServerURL
	if u, err := url.Parse(d.cfg.ServerURL); err == nil && u.Host != "" {
		hostname = u.Hostname()
	}
	env := NewEnvironment(spec.Env, d.cfg.EnvOverrides)
	if _, ok := env["hostname"]; !ok {
		env["hostname"] = hostname
	}
	if _, ok := env["catalog_id"]; !ok {
		env["catalog_id"] = d.cfg.CatalogID
	}
	if _, ok := env["service_url"]; !ok {
		env["service_url"] = d.cfg.ServerURL
	}

	rt := &Runtime{
		Catalog:  d.cat,
		Store:    d.st,
		BasePath: d.cfg.OutputDir,
		Env:      env,
		Outputs:  make(Outputs),
		Strict:   d.cfg.Strict,
		Log:      d.log,
	}
	if spec.Bag == nil {
		if err := os.MkdirAll(d.cfg.OutputDir, 0o755); err != nil {
			return nil, nil, nil, errors.WithStack(err)
		}
		return rt, nil, func() {}, nil
	}

	bagName := spec.Bag.BagName
	if bagName == "" {
		bagName = "caravel_bag_" + time.Now().Format("2006-01-02_15.04.05")
	}
	bagName, err := env.Render(bagName)
	if err != nil {
		return nil, nil, nil, err
	}
	metadata := make(map[string]string, len(spec.Bag.BagMetadata))
	for k, v := range spec.Bag.BagMetadata {
		rendered, err := env.Render(v)
		if err != nil {
			return nil, nil, nil, err
		}
		metadata[k] = rendered
	}

	algs, err := spec.BagAlgorithms()
	if err != nil {
		return nil, nil, nil, err
	}
	bagPath := filepath.Join(d.cfg.OutputDir, bagName)
	b, err := bag.Create(bagPath, algs, metadata, d.log)
	if err != nil {
		return nil, nil, nil, err
	}

	rt.BasePath = b.Path
	rt.IsBag = true
	rt.RemoteManifest = b.Path + "-remote-file-manifest.json"
	cleanup := func() {
		os.RemoveAll(b.Path)
		os.Remove(rt.RemoteManifest)
	}
	return rt, b, cleanup, nil
}

// runStage instantiates and runs one stage's processors in declared order,
// merging each processor's outputs into the shared set.
func (d *Downloader) runStage(ctx context.Context, rt *Runtime, stage string, descriptors []Descriptor, registry map[string]Factory) error {
	for _, desc := range descriptors {
		factory, err := findFactory(stage, registry, desc.Processor)
		if err != nil {
			return err
		}
		proc, err := factory(rt, desc.Params)
		if err != nil {
			return errors.Wrapf(err, "configuring %s", describe(stage, desc.Processor))
		}

		start := time.Now()
		rt.Log.Debugw("processor starting",
			logger.FieldStage, stage, logger.FieldProcessor, desc.Processor)
		outputs, err := proc.Process(ctx)
		if err != nil {
			return errors.Wrapf(err, "%s failed", describe(stage, desc.Processor))
		}
		for rel, out := range outputs {
			rt.Outputs[rel] = out
		}
		rt.Log.Debugw("processor finished",
			logger.FieldStage, stage, logger.FieldProcessor, desc.Processor,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
	return nil
}

// checkPayloadSize enforces the specification's cap on locally materialized
// bytes.
func (d *Downloader) checkPayloadSize(rt *Runtime, spec *Spec) error {
	if spec.MaxPayloadSizeMB <= 0 {
		return nil
	}
	var total int64
	for _, out := range rt.Outputs {
		total += out.Size
	}
	limit := spec.MaxPayloadSizeMB * 1024 * 1024
	if total > limit {
		return errors.Mark(
			errors.Newf("materialized payload is %d bytes, over the %d MB limit",
				total, spec.MaxPayloadSizeMB),
			errors.ErrConfiguration)
	}
	return nil
}

// packageBag finalizes the bag: remote references from fetch processors are
// folded into the manifests, the bag is validated, then serialized. The
// output set collapses to the single archive file.
func (d *Downloader) packageBag(rt *Runtime, b *bag.Bag, spec *Spec) error {
	remote, err := bag.ReadRemoteManifest(rt.RemoteManifest)
	if err != nil {
		return err
	}
	if err := b.Update(remote); err != nil {
		return err
	}
	if err := bag.Validate(rt.BasePath, d.cfg.WeakValidation, d.log); err != nil {
		return err
	}

	format, err := spec.BagArchiver()
	if err != nil {
		return err
	}
	archivePath, err := bag.Archive(rt.BasePath, format)
	if err != nil {
		return err
	}
	os.Remove(rt.RemoteManifest)
	if err := os.RemoveAll(rt.BasePath); err != nil {
		return errors.WithStack(err)
	}

	out, err := fileOutput(archivePath, "")
	if err != nil {
		return err
	}
	rt.Outputs = Outputs{filepath.Base(archivePath): out}
	d.log.Infow("bag packaged",
		logger.FieldBag, archivePath, logger.FieldSize, out.Size, "remote_entries", len(remote))
	return nil
}
