package download

import (
	"archive/zip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caravel-data/caravel/errors"
)

// testServer fakes just enough of a catalog service: query endpoints return
// canned row sets, object paths return canned bodies.
func testServer(t *testing.T, queries map[string][]map[string]any, objects map[string]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ermrest/catalog/1/", func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimPrefix(r.URL.Path, "/ermrest/catalog/1")
		if r.URL.RawQuery != "" {
			query += "?" + r.URL.RawQuery
		}
		rows, ok := queries[query]
		if !ok {
			http.Error(w, fmt.Sprintf("no canned result for %q", query), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	})
	mux.HandleFunc("/hatrac/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestDownloader(t *testing.T, srv *httptest.Server, outputDir string, strict bool) *Downloader {
	t.Helper()
	d, err := New(Config{
		ServerURL: srv.URL,
		CatalogID: "1",
		OutputDir: outputDir,
		Strict:    strict,
		Log:       zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	return d
}

func TestRunBagPipeline(t *testing.T) {
	srv := testServer(t,
		map[string][]map[string]any{
			"/attribute/d:dataset/genome": {{"genome": "mm10"}},
			"/entity/d:file": {
				{"url": "/hatrac/a.txt", "filename": "a.txt", "length": float64(5), "md5": md5hex("alpha")},
			},
		},
		map[string]string{"/hatrac/a.txt": "alpha"},
	)

	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)
	spec := &Spec{
		Bag: &BagSpec{
			BagName:     "test_bag",
			BagMetadata: map[string]string{"External-Description": "catalog export"},
		},
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			// env runs first so the download processor can route assets by genome.
			{Processor: "env", Params: Params{"query_path": "/attribute/d:dataset/genome"}},
			{Processor: "download", Params: Params{
				"query_path": "/entity/d:file", "output_path": "{genome}"}},
		}},
	}

	outputs, err := d.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Contains(t, outputs, "test_bag.zip")

	archive := filepath.Join(outDir, "test_bag.zip")
	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["test_bag/bagit.txt"])
	assert.True(t, names["test_bag/data/mm10/a.txt"])
	assert.True(t, names["test_bag/manifest-sha256.txt"])

	// The bag directory is cleaned up after archiving.
	_, err = os.Stat(filepath.Join(outDir, "test_bag"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunBagWithFetchReferences(t *testing.T) {
	srv := testServer(t,
		map[string][]map[string]any{
			"/entity/d:file": {
				{"url": "/hatrac/big.bam", "filename": "big.bam",
					"length": float64(1024), "md5": md5hex("whatever")},
			},
		}, nil)

	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)
	spec := &Spec{
		Bag: &BagSpec{BagName: "fetch_bag", BagAlgorithms: []string{"md5", "sha256"}},
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "fetch", Params: Params{"query_path": "/entity/d:file"}},
		}},
	}

	outputs, err := d.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Contains(t, outputs, "fetch_bag.zip")

	zr, err := zip.OpenReader(filepath.Join(outDir, "fetch_bag.zip"))
	require.NoError(t, err)
	defer zr.Close()

	var fetchBody string
	for _, f := range zr.File {
		if f.Name == "fetch_bag/fetch.txt" {
			r, err := f.Open()
			require.NoError(t, err)
			b := make([]byte, f.UncompressedSize64)
			_, err = io.ReadFull(r, b)
			require.NoError(t, err)
			r.Close()
			fetchBody = string(b)
		}
	}
	require.NotEmpty(t, fetchBody, "bag should carry a fetch.txt")
	assert.Contains(t, fetchBody, srv.URL+"/hatrac/big.bam")
	assert.Contains(t, fetchBody, "1024")
	assert.Contains(t, fetchBody, "data/big.bam")
}

func TestFetchProcessorRequiresBag(t *testing.T) {
	srv := testServer(t, map[string][]map[string]any{"/entity/d:file": {}}, nil)
	d := newTestDownloader(t, srv, t.TempDir(), false)
	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "fetch", Params: Params{"query_path": "/entity/d:file"}},
		}},
	}
	_, err := d.Run(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestRunDirectoryPipelineWithTransform(t *testing.T) {
	srv := testServer(t,
		map[string][]map[string]any{
			"/entity/d:seq": {
				{"id": "A1", "seq": "ACGT"},
				{"id": "B2", "seq": "TTGA"},
			},
		}, nil)

	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)
	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "json-stream", Params: Params{
				"query_path": "/entity/d:seq", "output_path": "rows.json"}},
		}},
		TransformProcessors: []Descriptor{
			{Processor: "interpolation", Params: Params{
				"input_path":  "rows.json",
				"output_path": "seqs.fasta",
				"template":    ">{id}\n{seq}\n"}},
		},
	}

	outputs, err := d.Run(context.Background(), spec)
	require.NoError(t, err)
	require.Contains(t, outputs, "seqs.fasta")
	assert.NotContains(t, outputs, "rows.json")

	data, err := os.ReadFile(filepath.Join(outDir, "seqs.fasta"))
	require.NoError(t, err)
	assert.Equal(t, ">A1\nACGT\n>B2\nTTGA\n", string(data))
}

func TestEnvValueVisibleToLaterStages(t *testing.T) {
	// An env query result must be substitutable wherever {key} placeholders
	// appear in later processors.
	srv := testServer(t,
		map[string][]map[string]any{
			"/attribute/d:dataset/genome": {{"genome": "mm10"}},
			"/entity/d:track":             {{"name": "trk1"}, {"name": "trk2"}},
		}, nil)

	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)
	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "env", Params: Params{"query_path": "/attribute/d:dataset/genome"}},
			{Processor: "json-stream", Params: Params{
				"query_path": "/entity/d:track", "output_path": "tracks.json"}},
		}},
		TransformProcessors: []Descriptor{
			{Processor: "interpolation", Params: Params{
				"input_path":  "tracks.json",
				"output_path": "tracks.txt",
				"template":    "track {name} db={genome}\n"}},
		},
	}
	_, err := d.Run(context.Background(), spec)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outDir, "tracks.txt"))
	require.NoError(t, err)
	assert.Equal(t, "track trk1 db=mm10\ntrack trk2 db=mm10\n", string(data))
}

func TestJSONStreamRoundTrip(t *testing.T) {
	rows := []map[string]any{
		{"RID": "1", "n": float64(1)},
		{"RID": "2", "n": float64(2)},
		{"RID": "3", "n": float64(3)},
	}
	srv := testServer(t, map[string][]map[string]any{"/entity/d:x": rows}, nil)
	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)

	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "json-stream", Params: Params{
				"query_path": "/entity/d:x", "output_path": "rows.json"}},
		}},
	}
	_, err := d.Run(context.Background(), spec)
	require.NoError(t, err)

	var got []map[string]any
	f, err := os.Open(filepath.Join(outDir, "rows.json"))
	require.NoError(t, err)
	defer f.Close()
	dec := json.NewDecoder(f)
	for dec.More() {
		var row map[string]any
		require.NoError(t, dec.Decode(&row))
		got = append(got, row)
	}
	assert.Equal(t, rows, got)
}

func TestDownloadChecksumMismatchTolerated(t *testing.T) {
	// One asset with a bad digest: non-strict runs keep the good assets and
	// drop the bad one; strict runs fail outright.
	queries := map[string][]map[string]any{
		"/entity/d:file": {
			{"url": "/hatrac/good.txt", "filename": "good.txt", "md5": md5hex("good")},
			{"url": "/hatrac/bad.txt", "filename": "bad.txt", "md5": md5hex("not-what-is-served")},
		},
	}
	objects := map[string]string{"/hatrac/good.txt": "good", "/hatrac/bad.txt": "bad"}

	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "download", Params: Params{"query_path": "/entity/d:file"}},
		}},
	}

	t.Run("tolerant", func(t *testing.T) {
		srv := testServer(t, queries, objects)
		outDir := t.TempDir()
		d := newTestDownloader(t, srv, outDir, false)
		outputs, err := d.Run(context.Background(), spec)
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		require.Contains(t, outputs, "good.txt")
		_, err = os.Stat(filepath.Join(outDir, "bad.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("strict", func(t *testing.T) {
		srv := testServer(t, queries, objects)
		d := newTestDownloader(t, srv, t.TempDir(), true)
		_, err := d.Run(context.Background(), spec)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAsset))
	})
}

func TestRunEmptySpecBag(t *testing.T) {
	t.Run("no processors", func(t *testing.T) {
		// A specification with zero processors in every stage still runs, and
		// with archiving requested it produces an empty but valid bag.
		srv := testServer(t, nil, nil)
		outDir := t.TempDir()
		d := newTestDownloader(t, srv, outDir, false)

		outputs, err := d.Run(context.Background(), &Spec{Bag: &BagSpec{BagName: "empty_bag"}})
		require.NoError(t, err)
		require.Contains(t, outputs, "empty_bag.zip")

		zr, err := zip.OpenReader(filepath.Join(outDir, "empty_bag.zip"))
		require.NoError(t, err)
		defer zr.Close()
		names := map[string]bool{}
		for _, f := range zr.File {
			names[f.Name] = true
		}
		assert.True(t, names["empty_bag/bagit.txt"])
		assert.True(t, names["empty_bag/manifest-sha256.txt"])
	})

	t.Run("zero rows", func(t *testing.T) {
		// Zero rows with delete_if_empty leaves an empty but valid bag.
		srv := testServer(t, map[string][]map[string]any{"/entity/d:none": {}}, nil)
		outDir := t.TempDir()
		d := newTestDownloader(t, srv, outDir, false)

		spec := &Spec{
			Bag: &BagSpec{BagName: "empty_bag"},
			Catalog: CatalogSpec{QueryProcessors: []Descriptor{
				{Processor: "csv", Params: Params{
					"query_path": "/entity/d:none", "delete_if_empty": true}},
			}},
		}
		outputs, err := d.Run(context.Background(), spec)
		require.NoError(t, err)
		require.Contains(t, outputs, "empty_bag.zip")
	})
}

func TestRunFailedQueryRemovesBag(t *testing.T) {
	srv := testServer(t, nil, nil) // every query 409s
	outDir := t.TempDir()
	d := newTestDownloader(t, srv, outDir, false)

	spec := &Spec{
		Bag: &BagSpec{BagName: "doomed"},
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "json", Params: Params{"query_path": "/entity/d:gone"}},
		}},
	}
	_, err := d.Run(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQuery))

	_, err = os.Stat(filepath.Join(outDir, "doomed"))
	assert.True(t, os.IsNotExist(err), "partial bag should be removed")
}

func TestMaxPayloadSizeEnforced(t *testing.T) {
	rows := make([]map[string]any, 0, 64)
	for i := 0; i < 64; i++ {
		rows = append(rows, map[string]any{"id": fmt.Sprint(i), "filler": strings.Repeat("x", 1<<15)})
	}
	srv := testServer(t, map[string][]map[string]any{"/entity/d:big": rows}, nil)
	d := newTestDownloader(t, srv, t.TempDir(), false)

	spec := &Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "json", Params: Params{"query_path": "/entity/d:big"}},
		}},
		MaxPayloadSizeMB: 1,
	}
	_, err := d.Run(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestSpecValidation(t *testing.T) {
	// An empty pipeline is a valid pipeline.
	require.NoError(t, (&Spec{}).Validate())

	err := (&Spec{Catalog: CatalogSpec{QueryProcessors: []Descriptor{
		{Processor: "nonesuch"},
	}}}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonesuch")

	// A bad post processor name fails validation before anything runs.
	err = (&Spec{
		Catalog: CatalogSpec{QueryProcessors: []Descriptor{
			{Processor: "csv", Params: Params{"query_path": "/entity/x"}},
		}},
		PostProcessors: []Descriptor{{Processor: "teleport"}},
	}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestLoadSpecFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	doc := `{
	  "env": {"genome": "hg38"},
	  "bag": {"bag_name": "release_{genome}", "bag_archiver": "tgz"},
	  "catalog": {
	    "query_processors": [
	      {"processor": "csv", "processor_params": {"query_path": "/entity/d:x"}}
	    ]
	  },
	  "max_payload_size_mb": 100
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	spec, err := LoadSpec(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hg38", spec.Env["genome"])
	require.NotNil(t, spec.Bag)
	assert.Equal(t, "release_{genome}", spec.Bag.BagName)
	assert.Equal(t, int64(100), spec.MaxPayloadSizeMB)
	require.Len(t, spec.Catalog.QueryProcessors, 1)
	assert.Equal(t, "csv", spec.Catalog.QueryProcessors[0].Processor)

	format, err := spec.BagArchiver()
	require.NoError(t, err)
	assert.Equal(t, "tgz", string(format))
}

func TestLoadSpecRejectsUnknownProcessor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	doc := `{"catalog": {"query_processors": [{"processor": "warp"}]}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadSpec(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestEnvironmentPrecedenceAndRender(t *testing.T) {
	env := NewEnvironment(map[string]string{"a": "spec", "b": "spec"}, map[string]string{"b": "cli"})
	assert.Equal(t, "spec", env["a"])
	assert.Equal(t, "cli", env["b"])

	out, err := env.Render("{a}/{b}")
	require.NoError(t, err)
	assert.Equal(t, "spec/cli", out)

	env["q"] = "a b&c"
	out, err = env.Render("?v={q_urlencoded}")
	require.NoError(t, err)
	assert.Equal(t, "?v=a+b%26c", out)

	_, err = env.Render("{missing}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingKey))
}

func TestURLRewritePostProcessor(t *testing.T) {
	rt := testRuntime(t)
	rt.Env["service_url"] = "https://example.org"
	abs := filepath.Join(rt.BasePath, "export.csv")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))
	rt.Outputs["export.csv"] = &OutputInfo{LocalPath: abs}

	factory, err := findFactory("post", postProcessors, "url_rewrite")
	require.NoError(t, err)
	proc, err := factory(rt, Params{"remote_path": "https://viewer.example.org/show?url={output_url_urlencoded}"})
	require.NoError(t, err)
	_, err = proc.Process(context.Background())
	require.NoError(t, err)

	got := rt.Outputs["export.csv"].RemotePaths
	require.Len(t, got, 1)
	assert.Equal(t, "https://viewer.example.org/show?url=https%3A%2F%2Fexample.org%2Fexport.csv", got[0])
}

func TestParamsHelpers(t *testing.T) {
	p := Params{
		"s":    "text",
		"b":    true,
		"bs":   "true",
		"n":    float64(7),
		"list": []any{"x", "y"},
	}
	v, ok := p.String("s")
	assert.True(t, ok)
	assert.Equal(t, "text", v)
	assert.True(t, p.Bool("b", false))
	assert.True(t, p.Bool("bs", false))
	assert.False(t, p.Bool("absent", false))
	assert.Equal(t, 7, p.Int("n", 0))
	assert.Equal(t, []string{"x", "y"}, p.StringSlice("list"))

	_, err := p.RequiredString("demo", "absent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}
