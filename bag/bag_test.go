package bag

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func makeBag(t *testing.T, algs []Algorithm, payload map[string]string) *Bag {
	t.Helper()
	b, err := Create(filepath.Join(t.TempDir(), "testbag"), algs,
		map[string]string{"Internal-Sender-Identifier": "caravel@test"}, nop())
	require.NoError(t, err)
	for rel, content := range payload {
		abs := filepath.Join(b.Path, PayloadDir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return b
}

func TestCreateAndUpdateEmptyBag(t *testing.T) {
	// A pipeline with zero processors still produces a valid, empty bag.
	b := makeBag(t, nil, nil)
	require.NoError(t, b.Update(nil))

	for _, name := range []string{"bagit.txt", "bag-info.txt", "manifest-sha256.txt", "tagmanifest-sha256.txt"} {
		_, err := os.Stat(filepath.Join(b.Path, name))
		assert.NoError(t, err, name)
	}
	require.NoError(t, Validate(b.Path, false, nop()))
}

func TestUpdateAndValidate(t *testing.T) {
	b := makeBag(t, []Algorithm{MD5, SHA256}, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "beta",
	})
	require.NoError(t, b.Update(nil))

	sums, err := readManifest(filepath.Join(b.Path, "manifest-sha256.txt"))
	require.NoError(t, err)
	assert.Len(t, sums, 2)
	assert.Contains(t, sums, "data/a.txt")
	assert.Contains(t, sums, "data/nested/b.txt")

	require.NoError(t, Validate(b.Path, false, nop()))
	require.NoError(t, Validate(b.Path, true, nop()))
}

func TestValidateDetectsCorruption(t *testing.T) {
	b := makeBag(t, nil, map[string]string{"a.txt": "alpha", "b.txt": "bravo"})
	require.NoError(t, b.Update(nil))

	// Same-length corruption: full validation must fail naming the file,
	// weak validation (oxum only) must still pass.
	corrupt := filepath.Join(b.Path, PayloadDir, "b.txt")
	require.NoError(t, os.WriteFile(corrupt, []byte("brXvo"), 0o644))

	err := Validate(b.Path, false, nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data/b.txt")
	assert.NotContains(t, err.Error(), "data/a.txt")

	assert.NoError(t, Validate(b.Path, true, nop()))
}

func TestValidateDetectsMissingPayload(t *testing.T) {
	b := makeBag(t, nil, map[string]string{"a.txt": "alpha"})
	require.NoError(t, b.Update(nil))
	require.NoError(t, os.Remove(filepath.Join(b.Path, PayloadDir, "a.txt")))

	for _, weak := range []bool{false, true} {
		err := Validate(b.Path, weak, nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data/a.txt")
	}
}

func TestUpdateWithRemoteEntries(t *testing.T) {
	b := makeBag(t, nil, map[string]string{"local.txt": "here"})
	remote := []RemoteEntry{{
		URL:       "https://example.org/big.bam",
		Length:    1 << 20,
		Filename:  "data/big.bam",
		Checksums: map[Algorithm]string{SHA256: "ab"},
	}}
	require.NoError(t, b.Update(remote))

	entries, err := ReadFetchFile(filepath.Join(b.Path, "fetch.txt"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data/big.bam", entries[0].Filename)

	// Remote entry appears in the payload manifest but is exempt from local checks.
	sums, err := readManifest(filepath.Join(b.Path, "manifest-sha256.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ab", sums["data/big.bam"])
	require.NoError(t, Validate(b.Path, false, nop()))
}

func TestUpdateRejectsUnverifiableRemoteEntry(t *testing.T) {
	// An entry checksummed only under an algorithm the bag does not manifest
	// would appear in fetch.txt with nothing to verify it against.
	b := makeBag(t, []Algorithm{SHA256}, nil)
	remote := []RemoteEntry{{
		URL:       "https://example.org/x",
		Length:    4,
		Filename:  "data/x",
		Checksums: map[Algorithm]string{MD5: "aa"},
	}}
	err := b.Update(remote)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data/x")
}

func TestRemoteEntryValidate(t *testing.T) {
	base := RemoteEntry{
		URL: "https://x/y", Length: 10, Filename: "data/y",
		Checksums: map[Algorithm]string{MD5: "aa"},
	}
	require.NoError(t, base.Validate())

	missingSum := base
	missingSum.Checksums = nil
	assert.Error(t, missingSum.Validate())

	missingLen := base
	missingLen.Length = -1
	assert.Error(t, missingLen.Validate())
}

func TestRemoteManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote-file-manifest.json")
	e1 := RemoteEntry{URL: "https://x/1", Length: 5, Filename: "data/1",
		Checksums: map[Algorithm]string{MD5: "aa", SHA256: "bb"}}
	e2 := RemoteEntry{URL: "https://x/2", Length: 7, Filename: "data/2",
		Checksums: map[Algorithm]string{SHA256: "cc"}}
	require.NoError(t, AppendRemoteEntry(path, e1))
	require.NoError(t, AppendRemoteEntry(path, e2))

	got, err := ReadRemoteManifest(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, e1.Checksums, got[0].Checksums)
	assert.Equal(t, e2.URL, got[1].URL)
}

func TestArchiveZip(t *testing.T) {
	b := makeBag(t, nil, map[string]string{"a.txt": "alpha"})
	require.NoError(t, b.Update(nil))

	archivePath, err := Archive(b.Path, Zip)
	require.NoError(t, err)
	assert.Equal(t, b.Path+".zip", archivePath)

	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["testbag/bagit.txt"])
	assert.True(t, names["testbag/data/a.txt"])
	assert.True(t, names["testbag/manifest-sha256.txt"])
}

func TestArchiveFormats(t *testing.T) {
	for _, format := range []Archiver{Tar, Tgz} {
		t.Run(string(format), func(t *testing.T) {
			b := makeBag(t, nil, map[string]string{"a.txt": "alpha"})
			require.NoError(t, b.Update(nil))
			archivePath, err := Archive(b.Path, format)
			require.NoError(t, err)
			info, err := os.Stat(archivePath)
			require.NoError(t, err)
			assert.Greater(t, info.Size(), int64(0))
		})
	}
}

func TestParseAlgorithms(t *testing.T) {
	algs, err := ParseAlgorithms([]string{"MD5", "sha512"})
	require.NoError(t, err)
	assert.Equal(t, []Algorithm{MD5, SHA512}, algs)

	algs, err = ParseAlgorithms(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithms, algs)

	_, err = ParseAlgorithms([]string{"crc32"})
	assert.Error(t, err)
}

func TestParseArchiver(t *testing.T) {
	a, err := ParseArchiver("ZIP")
	require.NoError(t, err)
	assert.Equal(t, Zip, a)
	_, err = ParseArchiver("rar")
	assert.Error(t, err)
}
