package bag

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/caravel-data/caravel/errors"
)

var manifestNameRe = regexp.MustCompile(`^manifest-([a-z0-9]+)\.txt$`)

// Validate verifies a bag on disk. In full mode every locally materialized
// payload file's checksum is recomputed and compared against each payload
// manifest; a mismatch or a missing file is an error naming the offending
// path. In weak mode only completeness and the Payload-Oxum byte/file count
// are checked, and checksum recomputation is skipped.
//
// Files listed in fetch.txt are remote-only; they are exempt from local
// existence and checksum checks but still count toward Payload-Oxum.
func Validate(bagPath string, weak bool, log *zap.SugaredLogger) error {
	manifests, err := findManifests(bagPath)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		return errors.Mark(
			errors.Newf("no payload manifests found in %s; not a bag?", bagPath), errors.ErrPackaging)
	}
	remote, err := ReadFetchFile(filepath.Join(bagPath, "fetch.txt"))
	if err != nil {
		return err
	}
	remotePaths := make(map[string]bool, len(remote))
	for _, e := range remote {
		remotePaths[e.Filename] = true
	}

	for alg, manifestFile := range manifests {
		sums, err := readManifest(manifestFile)
		if err != nil {
			return err
		}
		for rel, want := range sums {
			if remotePaths[rel] {
				continue
			}
			abs := filepath.Join(bagPath, filepath.FromSlash(rel))
			if _, err := os.Stat(abs); err != nil {
				return errors.Mark(
					errors.Newf("bag incomplete: payload file %s listed in manifest-%s.txt is missing", rel, alg),
					errors.ErrPackaging)
			}
			if weak {
				continue
			}
			got, _, err := FileChecksums(abs, []Algorithm{alg})
			if err != nil {
				return errors.Mark(errors.Wrapf(err, "hashing %s", rel), errors.ErrPackaging)
			}
			if got[alg] != want {
				return errors.Mark(
					errors.Newf("checksum mismatch for %s: manifest-%s.txt has %s, file has %s",
						rel, alg, want, got[alg]),
					errors.ErrPackaging)
			}
		}
	}

	if err := validateOxum(bagPath, remote); err != nil {
		return err
	}
	log.Infow("bag validated", "bag", bagPath, "mode", map[bool]string{true: "weak", false: "full"}[weak])
	return nil
}

// validateOxum recomputes the payload byte and file counts and compares them
// with the Payload-Oxum recorded in bag-info.txt, if present.
func validateOxum(bagPath string, remote []RemoteEntry) error {
	recorded, ok, err := readOxum(filepath.Join(bagPath, "bag-info.txt"))
	if err != nil || !ok {
		return err
	}

	var octets int64
	count := 0
	root := filepath.Join(bagPath, PayloadDir)
	err = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			octets += info.Size()
			count++
		}
		return nil
	})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "walking payload"), errors.ErrPackaging)
	}
	for _, e := range remote {
		octets += e.Length
		count++
	}

	actual := fmt.Sprintf("%d.%d", octets, count)
	if actual != recorded {
		return errors.Mark(
			errors.Newf("Payload-Oxum mismatch: bag-info.txt records %s, payload is %s", recorded, actual),
			errors.ErrPackaging)
	}
	return nil
}

func readOxum(infoPath string) (string, bool, error) {
	f, err := os.Open(infoPath)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "Payload-Oxum: "); ok {
			return strings.TrimSpace(v), true, nil
		}
	}
	return "", false, sc.Err()
}

// findManifests maps algorithm → payload manifest path for the bag.
func findManifests(bagPath string) (map[Algorithm]string, error) {
	entries, err := os.ReadDir(bagPath)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading bag %s", bagPath), errors.ErrPackaging)
	}
	out := make(map[Algorithm]string)
	for _, e := range entries {
		m := manifestNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		alg := Algorithm(m[1])
		if _, err := alg.New(); err != nil {
			continue // unknown algorithm manifests are ignored, not fatal
		}
		out[alg] = filepath.Join(bagPath, e.Name())
	}
	return out, nil
}

// readManifest parses "<checksum>  <path>" lines.
func readManifest(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	defer f.Close()

	sums := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			return nil, errors.Mark(
				errors.Newf("malformed manifest line in %s: %q", path, line), errors.ErrPackaging)
		}
		sums[strings.TrimSpace(fields[1])] = fields[0]
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrPackaging)
	}
	return sums, nil
}
