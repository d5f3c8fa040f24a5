package download

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

const defaultDownloadWorkers = 4

// probeLimiter throttles HEAD probes against object stores so metadata
// resolution for large manifests does not hammer the server.
var probeLimiter = rate.NewLimiter(rate.Limit(10), 5)

// assetRow is the normalized shape of one download-manifest row. The query
// is expected to project url plus optional filename, length, md5 and sha256
// columns; anything else in the row is still available for path templating.
type assetRow struct {
	url      string
	filename string
	length   int64
	md5      string
	sha256   string
	vars     map[string]string
}

func parseAssetRow(row catalog.Row) (assetRow, bool) {
	a := assetRow{length: -1, vars: rowVars(row)}
	a.url, _ = row.Value("url")
	if a.url == "" {
		return a, false
	}
	a.filename, _ = row.Value("filename")
	a.md5, _ = row.Value("md5")
	a.sha256, _ = row.Value("sha256")
	if s, ok := row.Value("length"); ok && s != "" {
		var n int64
		for _, c := range s {
			if c < '0' || c > '9' {
				n = -1
				break
			}
			n = n*10 + int64(c-'0')
		}
		a.length = n
	}
	return a, true
}

// fileDownloadProcessor executes a query whose rows reference remote assets
// and materializes each asset locally, verifying any checksums the row
// carries. Assets transfer concurrently; a single bad asset does not abort
// the rest unless strict mode is set.
type fileDownloadProcessor struct {
	queryBase
	workers int
}

func newFileDownloadProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newQueryBase(rt, "download", params)
	if err != nil {
		return nil, err
	}
	workers := params.Int("max_concurrent_downloads", defaultDownloadWorkers)
	if workers < 1 {
		workers = 1
	}
	return &fileDownloadProcessor{queryBase: base, workers: workers}, nil
}

func (p *fileDownloadProcessor) Process(ctx context.Context) (Outputs, error) {
	it, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := it.ReadAll()
	if err != nil {
		return nil, err
	}

	assets := make([]assetRow, 0, len(rows))
	for _, row := range rows {
		a, ok := parseAssetRow(row)
		if !ok {
			p.rt.Log.Warnw("asset row has no url, skipping",
				logger.FieldProcessor, p.name)
			continue
		}
		assets = append(assets, a)
	}
	if len(assets) == 0 {
		p.rt.Log.Infow("no assets to download", logger.FieldProcessor, p.name)
		return Outputs{}, nil
	}

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(len(assets)).
		WithTitle("downloading assets").
		WithWriter(os.Stderr).
		Start()

	var mu sync.Mutex
	outputs := make(Outputs, len(assets))
	var failed []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, a := range assets {
		g.Go(func() error {
			rel, out, err := p.downloadAsset(gctx, a)
			mu.Lock()
			defer mu.Unlock()
			if bar != nil {
				bar.Increment()
			}
			if err != nil {
				if p.rt.Strict {
					return err
				}
				p.rt.Log.Warnw("asset download failed",
					logger.FieldProcessor, p.name, logger.FieldURL, a.url, logger.FieldError, err)
				failed = append(failed, err)
				return nil
			}
			outputs[rel] = out
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		bar.Stop()
	}
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		p.rt.Log.Warnw("downloads finished with failures",
			logger.FieldProcessor, p.name,
			logger.FieldCount, len(outputs), "failures", len(failed))
	}
	return outputs, nil
}

// downloadAsset resolves one asset's destination, transfers it and verifies
// checksums. All failure paths are marked as asset errors.
func (p *fileDownloadProcessor) downloadAsset(ctx context.Context, a assetRow) (string, *OutputInfo, error) {
	filename := a.filename
	if filename == "" {
		filename = p.outputFilename
	}
	if filename == "" {
		if err := probeLimiter.Wait(ctx); err != nil {
			return "", nil, errors.WithStack(err)
		}
		info, err := p.rt.Store.Head(ctx, a.url)
		if err == nil && info.Filename != "" {
			filename = info.Filename
		}
	}
	if filename == "" {
		filename = urlBasename(a.url)
	}
	if filename == "" {
		return "", nil, errors.Mark(
			errors.Newf("cannot determine a filename for asset %s", a.url), errors.ErrAsset)
	}

	vars := NewEnvironment(p.rt.Env, a.vars)
	rel, abs, err := resolvePaths(p.rt.BasePath, p.outputPath, filename, "", p.rt.IsBag, vars)
	if err != nil {
		return "", nil, err
	}
	info, err := p.rt.Store.GetToFile(ctx, a.url, abs)
	if err != nil {
		return "", nil, errors.Mark(err, errors.ErrAsset)
	}
	if a.length >= 0 && info.Length != a.length {
		os.Remove(abs)
		return "", nil, errors.Mark(
			errors.Newf("length mismatch for %s: manifest says %d, transferred %d",
				a.url, a.length, info.Length),
			errors.ErrAsset)
	}
	out, err := fileOutput(abs, a.url)
	if err != nil {
		return "", nil, errors.Mark(err, errors.ErrAsset)
	}

	if err := verifyChecksums(abs, a); err != nil {
		os.Remove(abs)
		return "", nil, err
	}
	out.ContentType = info.ContentType
	out.MD5 = a.md5
	out.SHA256 = a.sha256
	p.rt.Log.Debugw("asset downloaded",
		logger.FieldProcessor, p.name, logger.FieldFile, rel, logger.FieldSize, out.Size)
	return rel, out, nil
}

// verifyChecksums compares the downloaded file against any hex digests the
// manifest row supplied. Mismatch is an asset error naming the algorithm.
func verifyChecksums(abs string, a assetRow) error {
	want := map[bag.Algorithm]string{}
	if a.md5 != "" {
		want[bag.MD5] = strings.ToLower(a.md5)
	}
	if a.sha256 != "" {
		want[bag.SHA256] = strings.ToLower(a.sha256)
	}
	if len(want) == 0 {
		return nil
	}
	algs := make([]bag.Algorithm, 0, len(want))
	for alg := range want {
		algs = append(algs, alg)
	}
	got, _, err := bag.FileChecksums(abs, algs)
	if err != nil {
		return errors.Mark(err, errors.ErrAsset)
	}
	for alg, sum := range want {
		if got[alg] != sum {
			return errors.Mark(
				errors.Newf("%s checksum mismatch for %s: expected %s, computed %s",
					alg, a.url, sum, got[alg]),
				errors.ErrAsset)
		}
	}
	return nil
}

func urlBasename(rawURL string) string {
	s := rawURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
