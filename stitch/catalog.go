package stitch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Catalog enumerates the parts of a batch.
type Catalog struct {
	store  Store
	suffix string
	logger *slog.Logger
}

// NewCatalog creates a Catalog over store. Only keys ending with
// cfg.PartSuffix are reported as parts.
func NewCatalog(store Store, cfg Config, opts ...Option) (*Catalog, error) {
	if store == nil {
		return nil, errors.New("stitch: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := resolveOptions(opts)
	return &Catalog{store: store, suffix: cfg.PartSuffix, logger: o.logger}, nil
}

// ListParts returns every part under prefix in listing (lexicographic)
// order, following pagination to the end. Each page request resumes
// after the last key of the previous page.
//
// Store failures are returned as *CatalogError; nothing is retried.
func (c *Catalog) ListParts(ctx context.Context, prefix string) ([]Part, error) {
	var parts []Part
	var startAfter string
	pages := 0

	for {
		page, err := c.store.ListPage(ctx, prefix, startAfter)
		if err != nil {
			return nil, &CatalogError{Prefix: prefix, Err: err}
		}
		pages++

		for _, p := range page.Parts {
			if strings.HasSuffix(p.Key, c.suffix) {
				parts = append(parts, p)
			}
		}

		if !page.Truncated {
			break
		}
		if len(page.Parts) == 0 {
			return nil, &CatalogError{Prefix: prefix, Err: errors.New("truncated listing page with no objects")}
		}
		startAfter = page.Parts[len(page.Parts)-1].Key
		c.logger.DebugContext(ctx, "listing continues", "prefix", prefix, "parts", len(parts), "after", startAfter)
	}

	c.logger.DebugContext(ctx, "listed parts", "prefix", prefix, "parts", len(parts), "pages", pages)
	return parts, nil
}
