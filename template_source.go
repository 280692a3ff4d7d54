package ga4etl

import (
	"context"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// loadTemplate returns the transform template configured by cfg: the file at
// TransformTemplatePath (local or gs://bucket/object) or a built-in template.
func loadTemplate(ctx context.Context, cfg Config, gcs *storage.Client) (name, text string, err error) {
	path := cfg.TransformTemplatePath
	if path == "" {
		text, ok := builtinTemplate(cfg.TransformTemplate)
		if !ok {
			return "", "", xerrors.Errorf("unknown built-in template %q", cfg.TransformTemplate)
		}
		return cfg.TransformTemplate, text, nil
	}

	log.Ctx(ctx).Info().Str("path", path).Msg("loading custom transform template")

	if bucket, object, ok := parseGCSPath(path); ok {
		if gcs == nil {
			return "", "", xerrors.Errorf("no storage client to read %s", path)
		}

		r, err := gcs.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return "", "", xerrors.Errorf("failed to get reader of %s: %w", path, err)
		}
		defer r.Close()

		b, err := io.ReadAll(r)
		if err != nil {
			return "", "", xerrors.Errorf("failed to read %s: %w", path, err)
		}

		return object, string(b), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", xerrors.Errorf("failed to read %s: %w", path, err)
	}

	return path, string(b), nil
}

// parseGCSPath splits gs://bucket/object.
func parseGCSPath(path string) (bucket, object string, ok bool) {
	rest := strings.TrimPrefix(path, "gs://")
	if rest == path {
		return "", "", false
	}

	i := strings.Index(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}

	return rest[:i], rest[i+1:], true
}
