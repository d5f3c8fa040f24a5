package download

import (
	"context"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

// fetchReferenceProcessor records remote assets in the bag's remote file
// manifest instead of transferring them. The packaging step turns the
// manifest into fetch.txt entries, so consumers retrieve the payload lazily.
// Every entry must resolve a length and at least one checksum; rows missing
// them get a HEAD probe, and assets still unresolved after that are per-asset
// failures.
type fetchReferenceProcessor struct {
	queryBase
}

func newFetchReferenceProcessor(rt *Runtime, params Params) (Processor, error) {
	if !rt.IsBag {
		return nil, errors.Mark(
			errors.New(`the "fetch" processor requires bag packaging`), errors.ErrConfiguration)
	}
	base, err := newQueryBase(rt, "fetch", params)
	if err != nil {
		return nil, err
	}
	return &fetchReferenceProcessor{base}, nil
}

func (p *fetchReferenceProcessor) Process(ctx context.Context) (Outputs, error) {
	it, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}

	count := 0
	failures := 0
	for it.Next() {
		a, ok := parseAssetRow(it.Row())
		if !ok {
			p.rt.Log.Warnw("asset row has no url, skipping", logger.FieldProcessor, p.name)
			continue
		}
		entry, err := p.resolveEntry(ctx, a)
		if err != nil {
			if p.rt.Strict {
				return nil, err
			}
			p.rt.Log.Warnw("remote asset unresolved, skipping",
				logger.FieldProcessor, p.name, logger.FieldURL, a.url, logger.FieldError, err)
			failures++
			continue
		}
		if err := bag.AppendRemoteEntry(p.rt.RemoteManifest, *entry); err != nil {
			return nil, err
		}
		count++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	p.rt.Log.Infow("remote assets recorded",
		logger.FieldProcessor, p.name, logger.FieldCount, count, "failures", failures)
	// Entries surface through fetch.txt at packaging time, not as outputs.
	return Outputs{}, nil
}

// resolveEntry builds a fetch.txt entry for one asset, probing the object
// store for whatever metadata the manifest row left out.
func (p *fetchReferenceProcessor) resolveEntry(ctx context.Context, a assetRow) (*bag.RemoteEntry, error) {
	url := p.rt.Store.ResolveURL(a.url)
	entry := &bag.RemoteEntry{
		URL:       url,
		Length:    a.length,
		Checksums: map[bag.Algorithm]string{},
	}
	if a.md5 != "" {
		entry.Checksums[bag.MD5] = a.md5
	}
	if a.sha256 != "" {
		entry.Checksums[bag.SHA256] = a.sha256
	}

	filename := a.filename
	if entry.Length < 0 || len(entry.Checksums) == 0 || filename == "" {
		if err := probeLimiter.Wait(ctx); err != nil {
			return nil, errors.WithStack(err)
		}
		info, err := p.rt.Store.Head(ctx, a.url)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "probing %s", url), errors.ErrAsset)
		}
		if entry.Length < 0 {
			entry.Length = info.Length
		}
		if info.MD5 != "" && entry.Checksums[bag.MD5] == "" {
			entry.Checksums[bag.MD5] = info.MD5
		}
		if info.SHA256 != "" && entry.Checksums[bag.SHA256] == "" {
			entry.Checksums[bag.SHA256] = info.SHA256
		}
		if filename == "" {
			filename = info.Filename
		}
	}
	if filename == "" {
		filename = urlBasename(url)
	}

	vars := NewEnvironment(p.rt.Env, a.vars)
	rel, _, err := resolvePaths(p.rt.BasePath, p.outputPath, filename, "", p.rt.IsBag, vars)
	if err != nil {
		return nil, err
	}
	entry.Filename = bag.PayloadDir + "/" + rel

	if err := entry.Validate(); err != nil {
		return nil, errors.Mark(err, errors.ErrAsset)
	}
	return entry, nil
}
