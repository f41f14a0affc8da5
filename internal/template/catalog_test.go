package template

import (
	"context"
	"errors"
	"testing"

	"codelab-engine/internal/storage"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewCatalog(s)
}

func TestFetchVisibility(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	pub := &storage.Template{
		Name:       "hello",
		Language:   "python",
		SourceText: "print('hi')",
		Visibility: storage.VisibilityPublic,
	}
	priv := &storage.Template{
		Name:       "secret",
		Language:   "python",
		SourceText: "print('mine')",
		Visibility: storage.VisibilityPrivate,
		OwnerID:    "alice",
	}
	if err := c.Create(ctx, pub); err != nil {
		t.Fatalf("create public: %v", err)
	}
	if err := c.Create(ctx, priv); err != nil {
		t.Fatalf("create private: %v", err)
	}

	tests := []struct {
		name    string
		id      string
		caller  string
		wantErr error
	}{
		{"public visible to anyone", pub.ID, "bob", nil},
		{"public visible to anonymous", pub.ID, "", nil},
		{"private visible to owner", priv.ID, "alice", nil},
		{"private forbidden to others", priv.ID, "bob", ErrForbidden},
		{"private forbidden to anonymous", priv.ID, "", ErrForbidden},
		{"unknown id", "no-such-id", "alice", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Fetch(ctx, tt.id, tt.caller)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		tpl     storage.Template
		wantErr bool
	}{
		{
			name:    "missing name",
			tpl:     storage.Template{SourceText: "x", Visibility: storage.VisibilityPublic},
			wantErr: true,
		},
		{
			name:    "missing source",
			tpl:     storage.Template{Name: "x", Visibility: storage.VisibilityPublic},
			wantErr: true,
		},
		{
			name:    "bad visibility",
			tpl:     storage.Template{Name: "x", SourceText: "y", Visibility: "shared"},
			wantErr: true,
		},
		{
			name:    "private without owner",
			tpl:     storage.Template{Name: "x", SourceText: "y", Visibility: storage.VisibilityPrivate},
			wantErr: true,
		},
		{
			name: "defaults to private with owner",
			tpl:  storage.Template{Name: "x", SourceText: "y", OwnerID: "alice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := tt.tpl
			err := c.Create(ctx, &tpl)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if tpl.ID == "" {
					t.Error("id not assigned")
				}
			}
		})
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	c := newCatalog(t)
	ctx := context.Background()

	priv := &storage.Template{
		Name:       "secret",
		Language:   "dsl",
		SourceText: "emit 1",
		Visibility: storage.VisibilityPrivate,
		OwnerID:    "alice",
	}
	if err := c.Create(ctx, priv); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := c.Delete(ctx, priv.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-owner delete err = %v, want ErrForbidden", err)
	}
	if err := c.Delete(ctx, priv.ID, "alice"); err != nil {
		t.Errorf("owner delete: %v", err)
	}
	if _, err := c.Fetch(ctx, priv.ID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fetch after delete err = %v, want ErrNotFound", err)
	}
}
