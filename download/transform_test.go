package download

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	return &Runtime{
		BasePath: t.TempDir(),
		Env:      Environment{},
		Outputs:  make(Outputs),
		Log:      zap.NewNop().Sugar(),
	}
}

func writeRows(t *testing.T, rt *Runtime, rel string, rows []catalog.Row) {
	t.Helper()
	abs := filepath.Join(rt.BasePath, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	f, err := os.Create(abs)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for _, row := range rows {
		require.NoError(t, enc.Encode(row))
	}
	require.NoError(t, f.Close())
	rt.Outputs[rel] = &OutputInfo{LocalPath: abs}
}

func readRows(t *testing.T, rt *Runtime, rel string) []catalog.Row {
	t.Helper()
	var rows []catalog.Row
	require.NoError(t, eachRow(filepath.Join(rt.BasePath, rel), func(r catalog.Row) error {
		rows = append(rows, r)
		return nil
	}))
	return rows
}

func runTransform(t *testing.T, rt *Runtime, name string, params Params) (Outputs, error) {
	t.Helper()
	factory, err := findFactory("transform", transformProcessors, name)
	require.NoError(t, err)
	proc, err := factory(rt, params)
	if err != nil {
		return nil, err
	}
	return proc.Process(context.Background())
}

func TestColumnTransformAddDeleteReplace(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{
		{"RID": "1", "secret": "x", "meta": map[string]any{"label": "first"}},
		{"RID": "2", "secret": "y", "meta": map[string]any{"label": "second"}},
	})

	outputs, err := runTransform(t, rt, "column", Params{
		"input_path":  "in.json",
		"output_path": "out.json",
		"column_transforms": map[string]any{
			"source":  map[string]any{"fn": "add", "value": "catalog"},
			"secret":  map[string]any{"fn": "delete"},
			"label":   map[string]any{"fn": "replace", "value": map[string]any{"key": "meta", "value": "label"}},
			"rid_raw": map[string]any{"fn": "replace", "value": map[string]any{"key": "RID"}},
		},
	})
	require.NoError(t, err)
	require.Contains(t, outputs, "out.json")

	rows := readRows(t, rt, "out.json")
	require.Len(t, rows, 2)
	assert.Equal(t, "catalog", rows[0]["source"])
	assert.NotContains(t, rows[0], "secret")
	assert.Equal(t, "first", rows[0]["label"])
	assert.Equal(t, "2", rows[1]["rid_raw"])

	// delete_input defaults to true
	_, err = os.Stat(filepath.Join(rt.BasePath, "in.json"))
	assert.True(t, os.IsNotExist(err))
	assert.NotContains(t, rt.Outputs, "in.json")
}

func TestColumnTransformReplaceMissingColumn(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{{"RID": "1"}})

	_, err := runTransform(t, rt, "column", Params{
		"input_path":  "in.json",
		"output_path": "out.json",
		"column_transforms": map[string]any{
			"copy": map[string]any{"fn": "replace", "value": map[string]any{"key": "absent"}},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransform))
}

func TestStrSubTransform(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{
		{"path": "/hatrac/data/file1.bam"},
		{"path": "/hatrac/data/file2.bam"},
	})

	_, err := runTransform(t, rt, "strsub", Params{
		"input_path":  "in.json",
		"output_path": "out.json",
		"substitutions": []any{
			map[string]any{"pattern": `^/hatrac/`, "repl": "objects/", "input": "path", "output": "rewritten"},
		},
	})
	require.NoError(t, err)

	rows := readRows(t, rt, "out.json")
	assert.Equal(t, "objects/data/file1.bam", rows[0]["rewritten"])
	assert.Equal(t, "/hatrac/data/file1.bam", rows[0]["path"])
}

func TestStrSubRejectsBadPattern(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{{"a": "b"}})

	_, err := runTransform(t, rt, "strsub", Params{
		"input_path":  "in.json",
		"output_path": "out.json",
		"substitutions": []any{
			map[string]any{"pattern": `([`, "repl": "", "input": "a"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestInterpolationTransform(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{
		{"id": "A1", "seq": "ACGT"},
		{"id": "B2", "seq": "TTGA"},
	})

	_, err := runTransform(t, rt, "interpolation", Params{
		"input_path":  "in.json",
		"output_path": "out.fasta",
		"template":    ">{id}\n{seq}\n",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(rt.BasePath, "out.fasta"))
	require.NoError(t, err)
	assert.Equal(t, ">A1\nACGT\n>B2\nTTGA\n", string(data))
}

func TestInterpolationTransformMissingField(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{{"id": "A1"}})

	_, err := runTransform(t, rt, "interpolation", Params{
		"input_path":  "in.json",
		"output_path": "out.txt",
		"template":    "{id} {missing}",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransform))
}

func TestConcatenateOrderMatters(t *testing.T) {
	runCat := func(order []string) string {
		rt := testRuntime(t)
		require.NoError(t, os.WriteFile(filepath.Join(rt.BasePath, "x.txt"), []byte("xx\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(rt.BasePath, "y.txt"), []byte("yy\n"), 0o644))
		rt.Outputs["x.txt"] = &OutputInfo{}
		rt.Outputs["y.txt"] = &OutputInfo{}

		_, err := runTransform(t, rt, "cat", Params{
			"input_paths": order,
			"output_path": "joined.txt",
		})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(rt.BasePath, "joined.txt"))
		require.NoError(t, err)
		return string(data)
	}

	assert.Equal(t, "xx\nyy\n", runCat([]string{"x.txt", "y.txt"}))
	assert.Equal(t, "yy\nxx\n", runCat([]string{"y.txt", "x.txt"}))
}

func TestJSONToCSVTransform(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{
		{"name": "a,b", "value": float64(1)},
		{"name": "c", "value": float64(2)},
	})

	_, err := runTransform(t, rt, "json2csv", Params{
		"input_path":  "in.json",
		"output_path": "out.csv",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(rt.BasePath, "out.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "name,value", lines[0])
	assert.Equal(t, `"a,b",1`, lines[1])
}

func TestTransformRejectsEscapingPaths(t *testing.T) {
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{{"a": "b"}})

	_, err := runTransform(t, rt, "interpolation", Params{
		"input_path":  "in.json",
		"output_path": "../outside.txt",
		"template":    "x",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestTransformAllowsDottedFilenames(t *testing.T) {
	// Only a ".." path segment escapes; dots within a filename do not.
	rt := testRuntime(t)
	writeRows(t, rt, "in.json", []catalog.Row{{"id": "1"}})

	_, err := runTransform(t, rt, "json2csv", Params{
		"input_path":  "in.json",
		"output_path": "a..b.csv",
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(rt.BasePath, "a..b.csv"))
	assert.NoError(t, err)
}

func TestTransformArrayInput(t *testing.T) {
	// Buffered JSON array inputs are accepted interchangeably with streams.
	rt := testRuntime(t)
	abs := filepath.Join(rt.BasePath, "in.json")
	require.NoError(t, os.WriteFile(abs, []byte(`[{"id":"1"},{"id":"2"}]`), 0o644))
	rt.Outputs["in.json"] = &OutputInfo{LocalPath: abs}

	_, err := runTransform(t, rt, "json2csv", Params{
		"input_path":  "in.json",
		"output_path": "out.csv",
	})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(rt.BasePath, "out.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id\n1\n2\n", string(data))
}
