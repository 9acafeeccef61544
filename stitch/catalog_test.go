package stitch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pithecene-io/stitch/internal/testutil"
)

func TestNewCatalog_Validation(t *testing.T) {
	if _, err := NewCatalog(nil, DefaultConfig()); err == nil {
		t.Error("expected error for nil store")
	}

	cfg := DefaultConfig()
	cfg.PartSuffix = ""
	var ce *ConfigError
	if _, err := NewCatalog(NewMemory(), cfg); !errors.As(err, &ce) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestCatalog_ListParts_Paginates(t *testing.T) {
	store := NewMemory()
	store.SetPageSize(3)
	want, _ := seed(t, store, "batch", testutil.Uniform(10, 4))

	catalog, err := NewCatalog(store, DefaultConfig(), quiet())
	if err != nil {
		t.Fatal(err)
	}
	got, err := catalog.ListParts(t.Context(), "batch/")
	if err != nil {
		t.Fatalf("ListParts failed: %v", err)
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("parts = %v, want %v", got, want)
	}
}

func TestCatalog_ListParts_FiltersSuffixAndSiblings(t *testing.T) {
	store := NewMemory()
	putString(t, store, "batch/0001.json", "a")
	putString(t, store, "batch/0002.json", "bb")
	putString(t, store, "batch/_SUCCESS", "")
	putString(t, store, "batch/notes.txt", "x")
	putString(t, store, "batch_1/0000000.json", "sibling")

	catalog, _ := NewCatalog(store, DefaultConfig(), quiet())
	got, err := catalog.ListParts(t.Context(), "batch/")
	if err != nil {
		t.Fatalf("ListParts failed: %v", err)
	}

	want := []Part{{Key: "batch/0001.json", Size: 1}, {Key: "batch/0002.json", Size: 2}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("parts = %v, want %v", got, want)
	}
}

func TestCatalog_ListParts_Empty(t *testing.T) {
	catalog, _ := NewCatalog(NewMemory(), DefaultConfig(), quiet())
	got, err := catalog.ListParts(t.Context(), "nothing/")
	if err != nil {
		t.Fatalf("ListParts failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no parts, got %v", got)
	}
}

func TestCatalog_ListParts_StoreError(t *testing.T) {
	fs := newFaultStore(NewMemory())
	fs.listErr = errors.New("throttled")

	catalog, _ := NewCatalog(fs, DefaultConfig(), quiet())
	_, err := catalog.ListParts(t.Context(), "batch/")

	var ce *CatalogError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	if ce.Prefix != "batch/" {
		t.Errorf("Prefix = %q, want %q", ce.Prefix, "batch/")
	}
	if !errors.Is(err, fs.listErr) {
		t.Error("CatalogError should wrap the store error")
	}
}

func TestCatalog_ListParts_TruncatedEmptyPage(t *testing.T) {
	fs := newFaultStore(NewMemory())
	fs.listPage = func(string, string) (*Page, bool) {
		return &Page{Truncated: true}, true
	}

	catalog, _ := NewCatalog(fs, DefaultConfig(), quiet())
	_, err := catalog.ListParts(t.Context(), "batch/")

	var ce *CatalogError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CatalogError, got %v", err)
	}
	if fs.listCalls != 1 {
		t.Errorf("expected 1 list call, got %d", fs.listCalls)
	}
}

func TestCatalog_ListParts_ResumesAfterLastKey(t *testing.T) {
	fs := newFaultStore(NewMemory())
	var seen []string
	fs.listPage = func(_, startAfter string) (*Page, bool) {
		seen = append(seen, startAfter)
		switch startAfter {
		case "":
			return &Page{Parts: []Part{{Key: "b/1.json", Size: 1}, {Key: "b/2.json", Size: 1}}, Truncated: true}, true
		case "b/2.json":
			return &Page{Parts: []Part{{Key: "b/3.json", Size: 1}}}, true
		}
		return nil, false
	}

	catalog, _ := NewCatalog(fs, DefaultConfig(), quiet())
	got, err := catalog.ListParts(t.Context(), "b/")
	if err != nil {
		t.Fatalf("ListParts failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 parts, got %d", len(got))
	}
	if fmt.Sprint(seen) != "[ b/2.json]" {
		t.Errorf("startAfter sequence = %q", seen)
	}
}
