package download

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	getter "github.com/hashicorp/go-getter"
	"github.com/spf13/viper"

	"github.com/caravel-data/caravel/bag"
	"github.com/caravel-data/caravel/errors"
)

// Descriptor names one processor and carries its opaque parameter map.
type Descriptor struct {
	Processor string `mapstructure:"processor" json:"processor"`
	Type      string `mapstructure:"processor_type" json:"processor_type,omitempty"`
	Params    Params `mapstructure:"processor_params" json:"processor_params,omitempty"`
}

// BagSpec configures archive packaging. A nil BagSpec in the top-level Spec
// means outputs are written directly to the output directory, unpackaged.
type BagSpec struct {
	BagName       string            `mapstructure:"bag_name" json:"bag_name,omitempty"`
	BagAlgorithms []string          `mapstructure:"bag_algorithms" json:"bag_algorithms,omitempty"`
	BagArchiver   string            `mapstructure:"bag_archiver" json:"bag_archiver,omitempty"`
	BagMetadata   map[string]string `mapstructure:"bag_metadata" json:"bag_metadata,omitempty"`
}

// CatalogSpec holds the query-stage processor list.
type CatalogSpec struct {
	QueryProcessors []Descriptor `mapstructure:"query_processors" json:"query_processors"`
}

// Spec is a complete pipeline specification document.
type Spec struct {
	Env                 map[string]string `mapstructure:"env" json:"env,omitempty"`
	Bag                 *BagSpec          `mapstructure:"bag" json:"bag,omitempty"`
	Catalog             CatalogSpec       `mapstructure:"catalog" json:"catalog"`
	TransformProcessors []Descriptor      `mapstructure:"transform_processors" json:"transform_processors,omitempty"`
	PostProcessors      []Descriptor      `mapstructure:"post_processors" json:"post_processors,omitempty"`

	// MaxPayloadSizeMB caps the total bytes materialized by the query and
	// transform stages. Zero means unlimited.
	MaxPayloadSizeMB int64 `mapstructure:"max_payload_size_mb" json:"max_payload_size_mb,omitempty"`
}

// LoadSpec reads a pipeline specification from a local path or a URL
// (http/https specs are fetched to a temp file first). The document must be
// JSON.
func LoadSpec(ctx context.Context, source string) (*Spec, error) {
	local := source
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		tmp, err := fetchSpec(ctx, source)
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(filepath.Dir(tmp))
		local = tmp
	}

	v := viper.New()
	v.SetConfigFile(local)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading specification %s", source), errors.ErrConfiguration)
	}

	var spec Spec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parsing specification %s", source), errors.ErrConfiguration)
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "specification %s", source)
	}
	return &spec, nil
}

// fetchSpec retrieves a remote specification document to a temp directory.
func fetchSpec(ctx context.Context, source string) (string, error) {
	dir, err := os.MkdirTemp("", "caravel-spec-*")
	if err != nil {
		return "", errors.WithStack(err)
	}
	dst := filepath.Join(dir, "spec.json")
	client := &getter.Client{
		Ctx:  ctx,
		Src:  source,
		Dst:  dst,
		Mode: getter.ClientModeFile,
	}
	if err := client.Get(); err != nil {
		os.RemoveAll(dir)
		return "", errors.Mark(
			errors.Wrapf(err, "fetching specification %s", source), errors.ErrConfiguration)
	}
	return dst, nil
}

// Validate checks the specification's structure: every processor name must
// resolve in its stage's registry. All descriptors are checked before any
// stage runs, so a typo in a late post processor fails the run before any
// data moves. Empty processor lists are valid; a bag request with no
// processors at all yields an empty but well-formed archive.
func (s *Spec) Validate() error {
	for _, d := range s.Catalog.QueryProcessors {
		if err := d.validate("query", queryProcessors); err != nil {
			return err
		}
	}
	for _, d := range s.TransformProcessors {
		if err := d.validate("transform", transformProcessors); err != nil {
			return err
		}
	}
	for _, d := range s.PostProcessors {
		if err := d.validate("post", postProcessors); err != nil {
			return err
		}
	}
	if s.Bag != nil {
		if _, err := s.BagAlgorithms(); err != nil {
			return err
		}
		if _, err := s.BagArchiver(); err != nil {
			return err
		}
	}
	if s.MaxPayloadSizeMB < 0 {
		return errors.Mark(
			errors.Newf("max_payload_size_mb must be non-negative, got %d", s.MaxPayloadSizeMB),
			errors.ErrConfiguration)
	}
	return nil
}

func (d Descriptor) validate(stage string, registry map[string]Factory) error {
	if d.Processor == "" {
		return errors.Mark(
			errors.Newf("%s processor descriptor is missing a processor name", stage),
			errors.ErrConfiguration)
	}
	if _, err := findFactory(stage, registry, d.Processor); err != nil {
		return err
	}
	return nil
}

// BagAlgorithms resolves the bag's checksum algorithm list, applying the
// default when unspecified.
func (s *Spec) BagAlgorithms() ([]bag.Algorithm, error) {
	if s.Bag == nil {
		return bag.DefaultAlgorithms, nil
	}
	return bag.ParseAlgorithms(s.Bag.BagAlgorithms)
}

// BagArchiver resolves the bag's archive format, defaulting to zip.
func (s *Spec) BagArchiver() (bag.Archiver, error) {
	if s.Bag == nil || s.Bag.BagArchiver == "" {
		return bag.Zip, nil
	}
	return bag.ParseArchiver(s.Bag.BagArchiver)
}
