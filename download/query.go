package download

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

// queryBase carries the parameters shared by every query-stage processor
// that executes a catalog query: the query itself, where its result lands,
// and whether the query runs paged.
type queryBase struct {
	rt   *Runtime
	name string

	queryPath      string
	outputPath     string
	outputFilename string

	paged       bool
	pageSize    int
	sortColumns []string

	deleteIfEmpty bool
}

func newQueryBase(rt *Runtime, name string, params Params) (queryBase, error) {
	qp, err := params.RequiredString(name, "query_path")
	if err != nil {
		return queryBase{}, err
	}
	outputPath, _ := params.String("output_path")
	outputFilename, _ := params.String("output_filename")
	return queryBase{
		rt:             rt,
		name:           name,
		queryPath:      qp,
		outputPath:     outputPath,
		outputFilename: outputFilename,
		paged:          params.Bool("paged_query", false),
		pageSize:       params.Int("paged_query_size", catalog.DefaultPageSize),
		sortColumns:    params.StringSlice("paged_query_sort_columns"),
		deleteIfEmpty:  params.Bool("delete_if_empty", false),
	}, nil
}

// renderedQuery interpolates environment values into the query path.
func (q *queryBase) renderedQuery() (string, error) {
	return q.rt.Env.Render(q.queryPath)
}

// destination resolves the output location for this processor, applying the
// default filename when neither output_path nor output_filename is set.
func (q *queryBase) destination(ext, defaultName string) (rel, abs string, err error) {
	outputPath := q.outputPath
	filename := q.outputFilename
	if outputPath == "" && filename == "" {
		filename = defaultName
	}
	return resolvePaths(q.rt.BasePath, outputPath, filename, ext, q.rt.IsBag, q.rt.Env)
}

// rows executes the query, paged or unpaged per configuration.
func (q *queryBase) rows(ctx context.Context) (*catalog.Rows, error) {
	query, err := q.renderedQuery()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	q.rt.Log.Debugw("executing catalog query",
		logger.FieldProcessor, q.name, logger.FieldQuery, query, "paged", q.paged)

	var it *catalog.Rows
	if q.paged {
		it = q.rt.Catalog.Paged(ctx, query, catalog.PageOptions{
			Size:        q.pageSize,
			SortColumns: q.sortColumns,
		})
	} else {
		rows, err := q.rt.Catalog.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		it = catalog.FromRows(rows)
	}
	q.rt.Log.Debugw("catalog query dispatched",
		logger.FieldProcessor, q.name, logger.FieldDurationMS, time.Since(start).Milliseconds())
	return it, nil
}

// finish stats the written file and registers it as an output, honoring
// delete_if_empty for zero-row results.
func (q *queryBase) finish(rel, abs string, rowCount int) (Outputs, error) {
	if rowCount == 0 && q.deleteIfEmpty {
		q.rt.Log.Infow("query returned no rows, removing empty output",
			logger.FieldProcessor, q.name, logger.FieldFile, rel)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return nil, errors.WithStack(err)
		}
		return Outputs{}, nil
	}
	out, err := fileOutput(abs, "")
	if err != nil {
		return nil, err
	}
	q.rt.Log.Infow("query output written",
		logger.FieldProcessor, q.name, logger.FieldFile, rel,
		logger.FieldCount, rowCount, logger.FieldSize, out.Size)
	return Outputs{rel: out}, nil
}

// csvQueryProcessor materializes query results as CSV. The header is the
// sorted column set of the first row; later rows missing a column emit an
// empty field, and columns absent from the first row are dropped.
type csvQueryProcessor struct{ queryBase }

func newCSVQueryProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newQueryBase(rt, "csv", params)
	if err != nil {
		return nil, err
	}
	return &csvQueryProcessor{base}, nil
}

func (p *csvQueryProcessor) Process(ctx context.Context) (Outputs, error) {
	rel, abs, err := p.destination(".csv", "query.csv")
	if err != nil {
		return nil, err
	}
	if err := ensureParent(abs); err != nil {
		return nil, err
	}
	it, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(abs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)

	var header []string
	count := 0
	for it.Next() {
		row := it.Row()
		if header == nil {
			header = sortedColumns(row)
			if err := w.Write(header); err != nil {
				return nil, errors.WithStack(err)
			}
		}
		record := make([]string, len(header))
		for i, col := range header {
			record[i], _ = row.Value(col)
		}
		if err := w.Write(record); err != nil {
			return nil, errors.WithStack(err)
		}
		count++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return p.finish(rel, abs, count)
}

// jsonQueryProcessor materializes query results as a JSON array.
type jsonQueryProcessor struct{ queryBase }

func newJSONQueryProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newQueryBase(rt, "json", params)
	if err != nil {
		return nil, err
	}
	return &jsonQueryProcessor{base}, nil
}

func (p *jsonQueryProcessor) Process(ctx context.Context) (Outputs, error) {
	rel, abs, err := p.destination(".json", "query.json")
	if err != nil {
		return nil, err
	}
	if err := ensureParent(abs); err != nil {
		return nil, err
	}
	it, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := it.ReadAll()
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return nil, errors.WithStack(err)
	}
	return p.finish(rel, abs, len(rows))
}

// jsonStreamQueryProcessor materializes query results as newline-delimited
// JSON, one object per line. Pages stream straight to disk, so result sets
// larger than memory are fine.
type jsonStreamQueryProcessor struct{ queryBase }

func newJSONStreamQueryProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newQueryBase(rt, "json-stream", params)
	if err != nil {
		return nil, err
	}
	return &jsonStreamQueryProcessor{base}, nil
}

func (p *jsonStreamQueryProcessor) Process(ctx context.Context) (Outputs, error) {
	rel, abs, err := p.destination(".json", "query.json")
	if err != nil {
		return nil, err
	}
	if err := ensureParent(abs); err != nil {
		return nil, err
	}
	it, err := p.rows(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(abs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	count := 0
	for it.Next() {
		if err := enc.Encode(it.Row()); err != nil {
			return nil, errors.WithStack(err)
		}
		count++
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	return p.finish(rel, abs, count)
}

// envQueryProcessor runs a query solely to extend the shared environment:
// the first result row's values become interpolation variables for later
// processors. It produces no file output. Zero rows is not an error; the
// environment is simply left unchanged.
type envQueryProcessor struct {
	rt        *Runtime
	queryPath string
	queryKeys []string
}

func newEnvQueryProcessor(rt *Runtime, params Params) (Processor, error) {
	qp, err := params.RequiredString("env", "query_path")
	if err != nil {
		return nil, err
	}
	return &envQueryProcessor{
		rt:        rt,
		queryPath: qp,
		queryKeys: params.StringSlice("query_keys"),
	}, nil
}

func (p *envQueryProcessor) Process(ctx context.Context) (Outputs, error) {
	query, err := p.rt.Env.Render(p.queryPath)
	if err != nil {
		return nil, err
	}
	rows, err := p.rt.Catalog.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		p.rt.Log.Warnw("environment query returned no rows",
			logger.FieldProcessor, "env", logger.FieldQuery, query)
		return Outputs{}, nil
	}

	row := rows[0]
	keys := p.queryKeys
	if len(keys) == 0 {
		keys = sortedColumns(row)
	}
	added := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := row.Value(k); ok {
			p.rt.Env[k] = v
			added = append(added, k)
		}
	}
	p.rt.Log.Debugw("environment extended from query",
		logger.FieldProcessor, "env", "keys", added)
	return Outputs{}, nil
}

func sortedColumns(row catalog.Row) []string {
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
