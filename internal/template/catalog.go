// Package template resolves catalog snippets referenced by execution
// requests. Visibility is enforced here, not in storage: storage returns
// whatever exists, the catalog decides who may see it.
package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codelab-engine/internal/storage"
)

var (
	// ErrNotFound is returned when no template has the requested id.
	ErrNotFound = errors.New("template not found")

	// ErrForbidden is returned when a private template is fetched by
	// someone other than its owner.
	ErrForbidden = errors.New("template access forbidden")
)

// Catalog mediates template access for the engine and the API.
type Catalog struct {
	store storage.Store
}

func NewCatalog(store storage.Store) *Catalog {
	return &Catalog{store: store}
}

// Fetch returns the template if it is public or owned by callerID.
func (c *Catalog) Fetch(ctx context.Context, id, callerID string) (*storage.Template, error) {
	tpl, err := c.store.GetTemplate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching template: %w", err)
	}

	if tpl.Visibility == storage.VisibilityPrivate && tpl.OwnerID != callerID {
		log.Debug().
			Str("template_id", id).
			Str("caller_id", callerID).
			Msg("private template fetch denied")
		return nil, ErrForbidden
	}
	return tpl, nil
}

// Create validates and stores a new template, assigning its id.
func (c *Catalog) Create(ctx context.Context, tpl *storage.Template) error {
	if tpl.Name == "" {
		return errors.New("template name is required")
	}
	if tpl.SourceText == "" {
		return errors.New("template source is required")
	}
	switch tpl.Visibility {
	case storage.VisibilityPublic, storage.VisibilityPrivate:
	case "":
		tpl.Visibility = storage.VisibilityPrivate
	default:
		return fmt.Errorf("invalid visibility %q", tpl.Visibility)
	}
	if tpl.Visibility == storage.VisibilityPrivate && tpl.OwnerID == "" {
		return errors.New("private template requires an owner")
	}

	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := c.store.PutTemplate(ctx, tpl); err != nil {
		return fmt.Errorf("storing template: %w", err)
	}

	log.Info().
		Str("template_id", tpl.ID).
		Str("language", tpl.Language).
		Str("visibility", tpl.Visibility).
		Msg("template created")
	return nil
}

// Delete removes a template; only the owner may delete a private one.
func (c *Catalog) Delete(ctx context.Context, id, callerID string) error {
	if _, err := c.Fetch(ctx, id, callerID); err != nil {
		return err
	}

	if err := c.store.DeleteTemplate(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting template: %w", err)
	}
	return nil
}
