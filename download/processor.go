package download

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/store"
)

// OutputInfo describes one artifact produced by a pipeline stage.
type OutputInfo struct {
	LocalPath   string
	Size        int64
	SourceURL   string
	ContentType string
	MD5         string
	SHA256      string

	// RemotePaths are rewritten or uploaded locations set by post processors.
	RemotePaths []string
	// Identifier is a minted persistent identifier, when registered.
	Identifier            string
	IdentifierLandingPage string
}

// Outputs maps artifact-relative paths to their descriptions. Each stage
// receives the accumulated outputs of earlier stages and returns the
// (possibly extended or rewritten) set.
type Outputs map[string]*OutputInfo

// Runtime carries the shared collaborators and state a processor operates
// against. One Runtime exists per pipeline run; stages never overlap, so no
// locking is needed beyond the downloader's own worker pool discipline.
type Runtime struct {
	Catalog *catalog.Catalog
	Store   *store.Store

	// BasePath is the output root: the bag directory when bagging,
	// otherwise the caller's output directory.
	BasePath string
	// IsBag routes payload files under BasePath/data.
	IsBag bool
	// RemoteManifest is the json-stream file that fetch processors append
	// remote payload references to, merged into fetch.txt at packaging time.
	RemoteManifest string

	Env     Environment
	Outputs Outputs

	// Strict escalates per-asset errors (checksum mismatch, unresolvable
	// metadata, transfer failure) from recorded-and-skipped to fatal.
	Strict bool

	Log *zap.SugaredLogger
}

// Processor is one named unit of work within a stage.
type Processor interface {
	Process(ctx context.Context) (Outputs, error)
}

// Factory instantiates a processor from its interpolation-ready parameters.
// Factories validate parameters eagerly so misconfiguration surfaces before
// any stage executes.
type Factory func(rt *Runtime, params Params) (Processor, error)

// Built-in processor registries, keyed by the names used in specification
// documents. External implementations register through the Register*
// functions before the pipeline is constructed; there is no dynamic loading.
var (
	queryProcessors = map[string]Factory{
		"csv":         newCSVQueryProcessor,
		"json":        newJSONQueryProcessor,
		"json-stream": newJSONStreamQueryProcessor,
		"env":         newEnvQueryProcessor,
		"download":    newFileDownloadProcessor,
		"fetch":       newFetchReferenceProcessor,
	}
	transformProcessors = map[string]Factory{
		"column":        newColumnTransformProcessor,
		"strsub":        newStrSubTransformProcessor,
		"interpolation": newInterpolationTransformProcessor,
		"cat":           newConcatenateTransformProcessor,
		"json2csv":      newJSONToCSVTransformProcessor,
	}
	postProcessors = map[string]Factory{
		"cloud_upload": newCloudUploadPostProcessor,
		"identifier":   newIdentifierPostProcessor,
		"url_rewrite":  newURLRewritePostProcessor,
	}
)

// RegisterQueryProcessor adds or replaces a query-stage processor factory.
func RegisterQueryProcessor(name string, f Factory) { queryProcessors[name] = f }

// RegisterTransformProcessor adds or replaces a transform-stage factory.
func RegisterTransformProcessor(name string, f Factory) { transformProcessors[name] = f }

// RegisterPostProcessor adds or replaces a post-stage factory.
func RegisterPostProcessor(name string, f Factory) { postProcessors[name] = f }

func findFactory(stage string, registry map[string]Factory, name string) (Factory, error) {
	f, ok := registry[name]
	if !ok {
		return nil, errors.Mark(
			errors.Newf("unknown %s processor %q", stage, name), errors.ErrConfiguration)
	}
	return f, nil
}

// Params is the opaque processor_params map from a descriptor.
type Params map[string]any

// String returns a string parameter, with ok=false when absent or not a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// RequiredString returns a string parameter or a configuration error naming
// the processor and the missing key.
func (p Params) RequiredString(processor, key string) (string, error) {
	v, ok := p.String(key)
	if !ok || v == "" {
		return "", errors.Mark(
			errors.Newf("processor %q is missing required parameter %q", processor, key),
			errors.ErrConfiguration)
	}
	return v, nil
}

// Bool returns a boolean parameter, accepting JSON booleans and the string
// forms "true"/"false".
func (p Params) Bool(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return def
}

// Int returns an integer parameter; JSON numbers decode as float64.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// StringSlice returns a list-of-strings parameter.
func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns a nested map parameter.
func (p Params) Map(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// resolvePaths computes the artifact-relative path and absolute destination
// for an output, interpolating {key} placeholders from vars. When the run is
// a bag, payloads land under the bag's data directory but the relative path
// stays payload-relative, matching manifest naming.
func resolvePaths(basePath, subPath, filename, ext string, isBag bool, vars map[string]string) (string, string, error) {
	rel := subPath
	if filename != "" {
		if rel != "" {
			rel = rel + "/" + filename
		} else {
			rel = filename
		}
	}
	if len(vars) > 0 {
		rendered, err := Environment(vars).Render(rel)
		if err != nil {
			return "", "", err
		}
		rel = rendered
	}
	if ext != "" && path.Ext(rel) != ext {
		rel += ext
	}
	if rel == "" {
		return "", "", errors.Mark(errors.New("empty output path"), errors.ErrConfiguration)
	}
	if path.IsAbs(rel) || climbsOut(rel) {
		return "", "", errors.Mark(
			errors.Newf("output path %q escapes the output directory", rel), errors.ErrConfiguration)
	}

	parts := []string{basePath}
	if isBag {
		parts = append(parts, bag.PayloadDir)
	}
	parts = append(parts, filepath.FromSlash(rel))
	abs, err := filepath.Abs(filepath.Join(parts...))
	if err != nil {
		return "", "", errors.WithStack(err)
	}
	return rel, abs, nil
}

// climbsOut reports whether a slash-separated relative path has a ".."
// segment. Dots inside a segment (a..b.txt) are fine.
func climbsOut(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ensureParent creates the parent directory for an output file.
func ensureParent(abs string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// rowVars flattens a catalog row into string variables for path templating.
func rowVars(row catalog.Row) map[string]string {
	vars := make(map[string]string, len(row))
	for k := range row {
		if v, ok := row.Value(k); ok {
			vars[k] = v
		}
	}
	return vars
}

// fileOutput fills size (and source URL) for a locally materialized output.
func fileOutput(abs, sourceURL string) (*OutputInfo, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &OutputInfo{LocalPath: abs, Size: info.Size(), SourceURL: sourceURL}, nil
}

// describe names a processor instance for stage-failure messages.
func describe(stage, name string) string {
	return fmt.Sprintf("%s stage processor %q", stage, name)
}
