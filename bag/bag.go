// Package bag creates, updates, validates, and serializes BagIt-style
// archives: a self-describing directory tree with per-algorithm payload
// manifests, an optional fetch ledger of remote-only payload references,
// and free-form metadata.
package bag

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caravel-data/caravel/errors"
)

// Algorithm names a checksum algorithm usable in payload manifests.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// DefaultAlgorithms is used when a bag request names none.
var DefaultAlgorithms = []Algorithm{SHA256}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, errors.Mark(errors.Newf("unsupported checksum algorithm %q", a), errors.ErrConfiguration)
}

// ParseAlgorithms validates a list of algorithm names.
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	if len(names) == 0 {
		return DefaultAlgorithms, nil
	}
	algs := make([]Algorithm, 0, len(names))
	for _, n := range names {
		a := Algorithm(strings.ToLower(n))
		if _, err := a.New(); err != nil {
			return nil, err
		}
		algs = append(algs, a)
	}
	return algs, nil
}

const (
	bagitDecl = "BagIt-Version: 0.97\nTag-File-Character-Encoding: UTF-8\n"

	// PayloadDir is the payload subdirectory of every bag.
	PayloadDir = "data"
)

// Bag is a bag rooted at Path.
type Bag struct {
	Path       string
	Algorithms []Algorithm
	Metadata   map[string]string

	log *zap.SugaredLogger
}

// Create initializes an empty bag directory at path: the bag declaration and
// an empty payload directory. Stage outputs are then written under
// path/data/ before Update finalizes the manifests.
func Create(path string, algs []Algorithm, metadata map[string]string, log *zap.SugaredLogger) (*Bag, error) {
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	if err := os.MkdirAll(filepath.Join(path, PayloadDir), 0o755); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "creating bag directory"), errors.ErrPackaging)
	}
	if err := os.WriteFile(filepath.Join(path, "bagit.txt"), []byte(bagitDecl), 0o644); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "writing bag declaration"), errors.ErrPackaging)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Bag{Path: path, Algorithms: algs, Metadata: metadata, log: log.Named("bag")}, nil
}

// Update finalizes the bag: computes checksums for every payload file,
// writes one payload manifest per algorithm (including remote-only entries),
// writes fetch.txt for the remote entries, bag-info.txt, and the tag
// manifests. Safe to call again after payload changes.
func (b *Bag) Update(remote []RemoteEntry) error {
	local, err := b.payloadFiles()
	if err != nil {
		return err
	}

	var octets int64
	count := 0
	checksums := make(map[Algorithm]map[string]string, len(b.Algorithms))
	for _, alg := range b.Algorithms {
		checksums[alg] = make(map[string]string)
	}

	for _, rel := range local {
		abs := filepath.Join(b.Path, filepath.FromSlash(rel))
		sums, size, err := FileChecksums(abs, b.Algorithms)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "hashing %s", rel), errors.ErrPackaging)
		}
		octets += size
		count++
		for alg, sum := range sums {
			checksums[alg][rel] = sum
		}
	}

	for _, entry := range remote {
		if err := entry.Validate(); err != nil {
			return err
		}
		// A fetchable file must be verifiable against at least one of the
		// bag's manifests, or a consumer has nothing to check it against.
		listed := false
		for alg, sum := range entry.Checksums {
			if _, tracked := checksums[alg]; tracked {
				checksums[alg][entry.Filename] = sum
				listed = true
			}
		}
		if !listed {
			return errors.Mark(
				errors.Newf("remote entry %s has no checksum under the bag's algorithms %v",
					entry.Filename, b.Algorithms),
				errors.ErrPackaging)
		}
		octets += entry.Length
		count++
	}

	for _, alg := range b.Algorithms {
		if err := writeManifest(b.manifestPath(alg), checksums[alg]); err != nil {
			return err
		}
	}
	if err := WriteFetchFile(filepath.Join(b.Path, "fetch.txt"), remote); err != nil {
		return err
	}
	if err := b.writeBagInfo(octets, count); err != nil {
		return err
	}
	if err := b.writeTagManifests(); err != nil {
		return err
	}
	b.log.Infow("bag updated", "bag", b.Path, "files", count, "octets", octets)
	return nil
}

// payloadFiles lists payload-relative paths (slash-separated, "data/...").
func (b *Bag) payloadFiles() ([]string, error) {
	var files []string
	root := filepath.Join(b.Path, PayloadDir)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Path, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "walking bag payload"), errors.ErrPackaging)
	}
	sort.Strings(files)
	return files, nil
}

func (b *Bag) manifestPath(alg Algorithm) string {
	return filepath.Join(b.Path, fmt.Sprintf("manifest-%s.txt", alg))
}

func (b *Bag) writeBagInfo(octets int64, count int) error {
	keys := make([]string, 0, len(b.Metadata))
	for k := range b.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, b.Metadata[k])
	}
	fmt.Fprintf(&sb, "Bagging-Date: %s\n", time.Now().Format("2006-01-02"))
	fmt.Fprintf(&sb, "Payload-Oxum: %d.%d\n", octets, count)

	err := os.WriteFile(filepath.Join(b.Path, "bag-info.txt"), []byte(sb.String()), 0o644)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "writing bag-info.txt"), errors.ErrPackaging)
	}
	return nil
}

// writeTagManifests hashes the bag's tag files (declaration, metadata,
// payload manifests, fetch ledger) under each algorithm.
func (b *Bag) writeTagManifests() error {
	entries, err := os.ReadDir(b.Path)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	var tagFiles []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "tagmanifest-") {
			continue
		}
		tagFiles = append(tagFiles, name)
	}
	sort.Strings(tagFiles)

	for _, alg := range b.Algorithms {
		sums := make(map[string]string, len(tagFiles))
		for _, name := range tagFiles {
			s, _, err := FileChecksums(filepath.Join(b.Path, name), []Algorithm{alg})
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "hashing tag file %s", name), errors.ErrPackaging)
			}
			sums[name] = s[alg]
		}
		p := filepath.Join(b.Path, fmt.Sprintf("tagmanifest-%s.txt", alg))
		if err := writeManifest(p, sums); err != nil {
			return err
		}
	}
	return nil
}

// writeManifest writes "<checksum>  <path>" lines sorted by path.
func writeManifest(path string, sums map[string]string) error {
	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	f, err := os.Create(path)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	w := bufio.NewWriter(f)
	for _, p := range paths {
		fmt.Fprintf(w, "%s  %s\n", sums[p], p)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	if err := f.Close(); err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return nil
}

// FileChecksums computes the requested digests of a file in a single pass
// and returns them hex-encoded along with the file size.
func FileChecksums(path string, algs []Algorithm) (map[Algorithm]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	defer f.Close()

	hashes := make(map[Algorithm]hash.Hash, len(algs))
	writers := make([]io.Writer, 0, len(algs))
	for _, alg := range algs {
		h, err := alg.New()
		if err != nil {
			return nil, 0, err
		}
		hashes[alg] = h
		writers = append(writers, h)
	}
	size, err := io.Copy(io.MultiWriter(writers...), f)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	sums := make(map[Algorithm]string, len(algs))
	for alg, h := range hashes {
		sums[alg] = fmt.Sprintf("%x", h.Sum(nil))
	}
	return sums, size, nil
}
