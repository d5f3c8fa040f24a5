package download

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"regexp"

	"github.com/caravel-data/caravel/catalog"
	"github.com/caravel-data/caravel/errors"
	"github.com/caravel-data/caravel/logger"
)

// transformBase wires the input/output plumbing shared by transform-stage
// processors: each consumes a file produced by an earlier processor (named by
// its artifact-relative path) and emits a new file. The consumed input is
// deleted and dropped from the output set afterwards unless delete_input is
// false.
type transformBase struct {
	rt   *Runtime
	name string

	inputRel, inputAbs   string
	outputRel, outputAbs string
	deleteInput          bool
}

func newTransformBase(rt *Runtime, name string, params Params) (transformBase, error) {
	inputPath, err := params.RequiredString(name, "input_path")
	if err != nil {
		return transformBase{}, err
	}
	outputPath, err := params.RequiredString(name, "output_path")
	if err != nil {
		return transformBase{}, err
	}
	b := transformBase{rt: rt, name: name, deleteInput: params.Bool("delete_input", true)}
	if b.inputRel, b.inputAbs, err = resolvePaths(rt.BasePath, inputPath, "", "", rt.IsBag, rt.Env); err != nil {
		return transformBase{}, err
	}
	if b.outputRel, b.outputAbs, err = resolvePaths(rt.BasePath, outputPath, "", "", rt.IsBag, rt.Env); err != nil {
		return transformBase{}, err
	}
	return b, nil
}

// finish registers the transformed output, propagating the input's source
// URL, and disposes of the input per delete_input.
func (b *transformBase) finish() (Outputs, error) {
	sourceURL := ""
	if in, ok := b.rt.Outputs[b.inputRel]; ok {
		sourceURL = in.SourceURL
	}
	if b.deleteInput {
		if err := os.Remove(b.inputAbs); err != nil && !os.IsNotExist(err) {
			return nil, errors.WithStack(err)
		}
		delete(b.rt.Outputs, b.inputRel)
	}
	out, err := fileOutput(b.outputAbs, sourceURL)
	if err != nil {
		return nil, err
	}
	b.rt.Log.Infow("transform output written",
		logger.FieldProcessor, b.name, logger.FieldFile, b.outputRel, logger.FieldSize, out.Size)
	return Outputs{b.outputRel: out}, nil
}

// eachRow feeds every object of a JSON array or newline-delimited JSON file
// to fn. Both layouts appear between stages, so the distinction is sniffed
// from the first byte.
func eachRow(abs string, fn func(catalog.Row) error) error {
	f, err := os.Open(abs)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	first, err := firstNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var rows []catalog.Row
		if err := dec.Decode(&rows); err != nil {
			return errors.Mark(errors.Wrapf(err, "parsing %s", abs), errors.ErrTransform)
		}
		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		var row catalog.Row
		if err := dec.Decode(&row); err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Mark(errors.Wrapf(err, "parsing %s", abs), errors.ErrTransform)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		c, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c, br.UnreadByte()
	}
}

// writeRowStream copies rows through a row-rewriting function into a
// newline-delimited JSON output file.
func (b *transformBase) writeRowStream(rewrite func(catalog.Row) (catalog.Row, error)) error {
	if err := ensureParent(b.outputAbs); err != nil {
		return err
	}
	out, err := os.Create(b.outputAbs)
	if err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	defer out.Close()
	enc := json.NewEncoder(out)

	err = eachRow(b.inputAbs, func(row catalog.Row) error {
		rewritten, err := rewrite(row)
		if err != nil {
			return err
		}
		if err := enc.Encode(rewritten); err != nil {
			return errors.Mark(errors.WithStack(err), errors.ErrTransform)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	return nil
}

// columnTransform is one add/replace/delete operation on a named column.
type columnTransform struct {
	fn string
	// add: literal value to set.
	value any
	// replace: source column and optional nested key within it.
	sourceKey string
	nestedKey string
}

// columnTransformProcessor rewrites rows column-wise. The column_transforms
// parameter maps a target column to an operation:
//
//	"add":     set the column to a literal value
//	"delete":  remove the column
//	"replace": copy another column's value, optionally a nested field of it
type columnTransformProcessor struct {
	transformBase
	transforms map[string]columnTransform
}

func newColumnTransformProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newTransformBase(rt, "column", params)
	if err != nil {
		return nil, err
	}
	raw := params.Map("column_transforms")
	if len(raw) == 0 {
		return nil, errors.Mark(
			errors.New(`"column" processor requires a column_transforms parameter`), errors.ErrConfiguration)
	}
	transforms := make(map[string]columnTransform, len(raw))
	for col, spec := range raw {
		m, ok := spec.(map[string]any)
		if !ok {
			return nil, errors.Mark(
				errors.Newf("column transform for %q is not an object", col), errors.ErrConfiguration)
		}
		fn, _ := m["fn"].(string)
		ct := columnTransform{fn: fn}
		switch fn {
		case "add":
			ct.value = m["value"]
		case "delete":
		case "replace":
			ref, ok := m["value"].(map[string]any)
			if !ok {
				return nil, errors.Mark(
					errors.Newf("replace transform for %q requires a value object with a key", col),
					errors.ErrConfiguration)
			}
			ct.sourceKey, _ = ref["key"].(string)
			ct.nestedKey, _ = ref["value"].(string)
			if ct.sourceKey == "" {
				return nil, errors.Mark(
					errors.Newf("replace transform for %q is missing the source key", col),
					errors.ErrConfiguration)
			}
		default:
			return nil, errors.Mark(
				errors.Newf("unknown column transform function %q for column %q", fn, col),
				errors.ErrConfiguration)
		}
		transforms[col] = ct
	}
	return &columnTransformProcessor{transformBase: base, transforms: transforms}, nil
}

func (p *columnTransformProcessor) Process(ctx context.Context) (Outputs, error) {
	err := p.writeRowStream(func(row catalog.Row) (catalog.Row, error) {
		for col, t := range p.transforms {
			switch t.fn {
			case "add":
				row[col] = t.value
			case "delete":
				delete(row, col)
			case "replace":
				src, ok := row[t.sourceKey]
				if !ok {
					return nil, errors.Mark(
						errors.Newf("replace source column %q absent from row", t.sourceKey),
						errors.ErrTransform)
				}
				if t.nestedKey != "" {
					nested, ok := src.(map[string]any)
					if !ok {
						return nil, errors.Mark(
							errors.Newf("column %q is not an object; cannot take nested field %q",
								t.sourceKey, t.nestedKey),
							errors.ErrTransform)
					}
					src, ok = nested[t.nestedKey]
					if !ok {
						return nil, errors.Mark(
							errors.Newf("nested field %q absent from column %q", t.nestedKey, t.sourceKey),
							errors.ErrTransform)
					}
				}
				row[col] = src
			}
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	return p.finish()
}

// substitution is one compiled strsub rule.
type substitution struct {
	pattern *regexp.Regexp
	repl    string
	input   string
	output  string
}

// strSubTransformProcessor applies regex substitutions to string columns.
// Each entry of the substitutions parameter gives pattern, repl, input and
// optionally output (defaulting to input, i.e. in-place).
type strSubTransformProcessor struct {
	transformBase
	subs []substitution
}

func newStrSubTransformProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newTransformBase(rt, "strsub", params)
	if err != nil {
		return nil, err
	}
	raw, ok := params["substitutions"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.Mark(
			errors.New(`"strsub" processor requires a substitutions parameter`), errors.ErrConfiguration)
	}
	subs := make([]substitution, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, errors.Mark(
				errors.Newf("substitution %d is not an object", i), errors.ErrConfiguration)
		}
		pattern, _ := m["pattern"].(string)
		repl, _ := m["repl"].(string)
		input, _ := m["input"].(string)
		output, _ := m["output"].(string)
		if pattern == "" || input == "" {
			return nil, errors.Mark(
				errors.Newf("substitution %d is missing pattern or input", i), errors.ErrConfiguration)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "substitution %d has an invalid pattern", i), errors.ErrConfiguration)
		}
		if output == "" {
			output = input
		}
		subs = append(subs, substitution{pattern: re, repl: repl, input: input, output: output})
	}
	return &strSubTransformProcessor{transformBase: base, subs: subs}, nil
}

func (p *strSubTransformProcessor) Process(ctx context.Context) (Outputs, error) {
	err := p.writeRowStream(func(row catalog.Row) (catalog.Row, error) {
		for _, sub := range p.subs {
			v, ok := row.Value(sub.input)
			if !ok {
				return nil, errors.Mark(
					errors.Newf("substitution input column %q absent from row", sub.input),
					errors.ErrTransform)
			}
			row[sub.output] = sub.pattern.ReplaceAllString(v, sub.repl)
		}
		return row, nil
	})
	if err != nil {
		return nil, err
	}
	return p.finish()
}

// interpolationTransformProcessor renders a text template once per input row
// and appends the rendered text to the output file. Placeholders reference
// row columns; a placeholder naming an absent column fails the transform.
type interpolationTransformProcessor struct {
	transformBase
	template string
}

func newInterpolationTransformProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newTransformBase(rt, "interpolation", params)
	if err != nil {
		return nil, err
	}
	template, err := params.RequiredString("interpolation", "template")
	if err != nil {
		return nil, err
	}
	return &interpolationTransformProcessor{transformBase: base, template: template}, nil
}

func (p *interpolationTransformProcessor) Process(ctx context.Context) (Outputs, error) {
	if err := ensureParent(p.outputAbs); err != nil {
		return nil, err
	}
	out, err := os.Create(p.outputAbs)
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	defer out.Close()

	err = eachRow(p.inputAbs, func(row catalog.Row) error {
		// Row fields shadow environment values of the same name.
		text, err := p.rt.Env.RenderWith(p.template, rowVars(row))
		if err != nil {
			return errors.Mark(err, errors.ErrTransform)
		}
		if _, err := io.WriteString(out, text); err != nil {
			return errors.Mark(errors.WithStack(err), errors.ErrTransform)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	return p.finish()
}

// concatenateTransformProcessor joins multiple inputs into one output file,
// byte for byte, in the order listed. All inputs are consumed.
type concatenateTransformProcessor struct {
	rt   *Runtime
	name string

	inputRels, inputAbss []string
	outputRel, outputAbs string
	deleteInput          bool
}

func newConcatenateTransformProcessor(rt *Runtime, params Params) (Processor, error) {
	inputs := params.StringSlice("input_paths")
	if len(inputs) == 0 {
		return nil, errors.Mark(
			errors.New(`"cat" processor requires a non-empty input_paths parameter`), errors.ErrConfiguration)
	}
	outputPath, err := params.RequiredString("cat", "output_path")
	if err != nil {
		return nil, err
	}
	p := &concatenateTransformProcessor{
		rt: rt, name: "cat",
		deleteInput: params.Bool("delete_input", true),
	}
	for _, in := range inputs {
		rel, abs, err := resolvePaths(rt.BasePath, in, "", "", rt.IsBag, rt.Env)
		if err != nil {
			return nil, err
		}
		p.inputRels = append(p.inputRels, rel)
		p.inputAbss = append(p.inputAbss, abs)
	}
	if p.outputRel, p.outputAbs, err = resolvePaths(rt.BasePath, outputPath, "", "", rt.IsBag, rt.Env); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *concatenateTransformProcessor) Process(ctx context.Context) (Outputs, error) {
	if err := ensureParent(p.outputAbs); err != nil {
		return nil, err
	}
	out, err := os.Create(p.outputAbs)
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	defer out.Close()

	for i, abs := range p.inputAbss {
		in, err := os.Open(abs)
		if err != nil {
			return nil, errors.Mark(
				errors.Wrapf(err, "opening concatenation input %s", p.inputRels[i]), errors.ErrTransform)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
		}
	}
	if err := out.Close(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}

	if p.deleteInput {
		for i, abs := range p.inputAbss {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return nil, errors.WithStack(err)
			}
			delete(p.rt.Outputs, p.inputRels[i])
		}
	}
	result, err := fileOutput(p.outputAbs, "")
	if err != nil {
		return nil, err
	}
	p.rt.Log.Infow("transform output written",
		logger.FieldProcessor, p.name, logger.FieldFile, p.outputRel, logger.FieldSize, result.Size)
	return Outputs{p.outputRel: result}, nil
}

// jsonToCSVTransformProcessor converts a JSON or newline-delimited JSON
// input into CSV. The header is the sorted column set of the first row.
type jsonToCSVTransformProcessor struct {
	transformBase
	includeHeader bool
}

func newJSONToCSVTransformProcessor(rt *Runtime, params Params) (Processor, error) {
	base, err := newTransformBase(rt, "json2csv", params)
	if err != nil {
		return nil, err
	}
	return &jsonToCSVTransformProcessor{
		transformBase: base,
		includeHeader: params.Bool("include_header", true),
	}, nil
}

func (p *jsonToCSVTransformProcessor) Process(ctx context.Context) (Outputs, error) {
	if err := ensureParent(p.outputAbs); err != nil {
		return nil, err
	}
	out, err := os.Create(p.outputAbs)
	if err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	defer out.Close()
	w := csv.NewWriter(out)

	var header []string
	err = eachRow(p.inputAbs, func(row catalog.Row) error {
		if header == nil {
			header = sortedColumns(row)
			if p.includeHeader {
				if err := w.Write(header); err != nil {
					return errors.Mark(errors.WithStack(err), errors.ErrTransform)
				}
			}
		}
		record := make([]string, len(header))
		for i, col := range header {
			record[i], _ = row.Value(col)
		}
		if err := w.Write(record); err != nil {
			return errors.Mark(errors.WithStack(err), errors.ErrTransform)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	if err := out.Close(); err != nil {
		return nil, errors.Mark(errors.WithStack(err), errors.ErrTransform)
	}
	return p.finish()
}
