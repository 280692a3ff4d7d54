package ga4etl

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

//go:embed templates/*.sql
var builtinTemplates embed.FS

func builtinTemplate(name string) (string, bool) {
	b, err := builtinTemplates.ReadFile("templates/" + name + ".sql")
	if err != nil {
		return "", false
	}

	return string(b), true
}

// QueryFlattener renders a SQL template for the batch and lets BigQuery flatten the events.
type QueryFlattener struct {
	tmpl *template.Template
	read func(context.Context, string) (rowIterator, error)
}

// TemplateData is passed to transform templates.
type TemplateData struct {
	// Table is the quoted source table ID, e.g. `project.dataset.events_20240601`.
	Table  string
	Source SourceTable
	Date   civil.Date
	Suffix string

	ClickEvents     []string
	ScrollEvents    []string
	EcommerceEvents []string
}

// newQueryFlattener parses a transform template. Templates may use the functions
// stringParam, intParam, floatParam, boolParam, inList and quote.
func newQueryFlattener(bq *bigquery.Client, name, text string, rp retryPolicy) (*QueryFlattener, error) {
	tmpl, err := parseTransformTemplate(name, text)
	if err != nil {
		return nil, err
	}

	f := &QueryFlattener{tmpl: tmpl}
	f.read = func(ctx context.Context, sql string) (rowIterator, error) {
		var it *bigquery.RowIterator

		err := rp.do(ctx, "run transform query", func(ctx context.Context) error {
			var err error
			it, err = bq.Query(sql).Read(ctx)
			return err
		})

		return it, err
	}

	return f, nil
}

func parseTransformTemplate(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse transform template %s: %w", name, err)
	}

	return tmpl, nil
}

// Render renders the SQL for b.
func (f *QueryFlattener) Render(b *Batch) (string, error) {
	data := TemplateData{
		Table:           b.Source.FullID(),
		Source:          *b.Source,
		Date:            b.Date,
		Suffix:          partitionSuffix(b.Date),
		ClickEvents:     clickEvents,
		ScrollEvents:    scrollEvents,
		EcommerceEvents: ecommerceEvents,
	}

	buf := &bytes.Buffer{}
	if err := f.tmpl.Execute(buf, data); err != nil {
		return "", xerrors.Errorf("failed to render transform template %s: %w", f.tmpl.Name(), err)
	}

	return buf.String(), nil
}

// Flatten implements Flattener.
func (f *QueryFlattener) Flatten(ctx context.Context, b *Batch) ([]*EventRow, error) {
	l := log.Ctx(ctx)

	sql, err := f.Render(b)
	if err != nil {
		return nil, err
	}

	l.Debug().Str("sql", sql).Msg("rendered transform query")

	it, err := f.read(ctx, sql)
	if err != nil {
		return nil, xerrors.Errorf("failed to run transform query: %w", err)
	}

	rows, err := readAll[EventRow](it)
	if err != nil {
		return nil, xerrors.Errorf("failed to read transform query results: %w", err)
	}

	if err := checkRows(b.Date, rows); err != nil {
		return nil, err
	}

	sortRows(rows)

	l.Debug().Int("rows", len(rows)).Msg("flattened events in BigQuery")

	return rows, nil
}

var templateFuncs = template.FuncMap{
	"quote":       quoteSQL,
	"inList":      inList,
	"stringParam": stringParamSQL,
	"intParam":    intParamSQL,
	"floatParam":  floatParamSQL,
	"boolParam":   boolParamSQL,
}

// quoteSQL quotes s as a Standard SQL string literal.
func quoteSQL(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quoteSQL(v)
	}

	return strings.Join(quoted, ", ")
}

// paramSQL selects expr from the first event parameter named key, like RawEvent.param.
func paramSQL(key, expr string) string {
	return fmt.Sprintf(
		"(SELECT %s FROM UNNEST(event_params) AS p WITH OFFSET AS o WHERE p.key = %s ORDER BY o LIMIT 1)",
		expr, quoteSQL(key))
}

func stringParamSQL(key string) string {
	return paramSQL(key, "COALESCE(p.value.string_value, CAST(p.value.int_value AS STRING))")
}

// castStringSQL casts string_value to typ when it matches pattern, like ParamValue does.
func castStringSQL(pattern, typ string) string {
	return fmt.Sprintf("IF(REGEXP_CONTAINS(p.value.string_value, r'%s'), SAFE_CAST(p.value.string_value AS %s), NULL)",
		pattern, typ)
}

func intParamSQL(key string) string {
	return paramSQL(key, "COALESCE(p.value.int_value, "+castStringSQL(intPattern, "INT64")+")")
}

func floatParamSQL(key string) string {
	return paramSQL(key, "COALESCE(p.value.double_value, p.value.float_value, "+
		"CAST(p.value.int_value AS FLOAT64), "+castStringSQL(floatPattern, "FLOAT64")+")")
}

func boolParamSQL(key string) string {
	return paramSQL(key, "CASE"+
		" WHEN p.value.int_value IS NOT NULL THEN p.value.int_value != 0"+
		" WHEN LOWER(p.value.string_value) IN ('1', 'true') THEN TRUE"+
		" WHEN LOWER(p.value.string_value) IN ('0', 'false') THEN FALSE"+
		" END")
}
