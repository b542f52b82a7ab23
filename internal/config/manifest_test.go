package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nervemesh/nerve/internal/model"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest_Full(t *testing.T) {
	path := writeManifest(t, `
slug: invoicing-node
name: Invoicing
type: child
version: "1.4.0"
description: Handles invoices and billing documents.
collections:
  - name: invoices
    class: Invoice
    description: Customer invoices
  - name: credit-notes
    class: CreditNote
autonomous_collectors:
  - name: overdue-scan
    goal: Find overdue invoices and flag them
domains: [billing, finance]
data_types: [document]
keywords: [bills, billing]
`)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Slug != "invoicing-node" {
		t.Errorf("Slug: got %q", m.Slug)
	}
	if m.Type != model.NodeTypeChild {
		t.Errorf("Type: got %q", m.Type)
	}
	if len(m.Collections) != 2 || m.Collections[0].Class != "Invoice" {
		t.Errorf("Collections: got %+v", m.Collections)
	}
	if len(m.Collectors) != 1 || m.Collectors[0].Goal == "" {
		t.Errorf("Collectors: got %+v", m.Collectors)
	}
	if len(m.Domains) != 2 {
		t.Errorf("Domains: got %v", m.Domains)
	}
}

func TestLoadManifest_Defaults(t *testing.T) {
	path := writeManifest(t, "slug: bare-node\n")

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Name != "bare-node" {
		t.Errorf("Name should default to slug, got %q", m.Name)
	}
	if m.Type != model.NodeTypeChild {
		t.Errorf("Type should default to child, got %q", m.Type)
	}
}

func TestLoadManifest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{"invalid_slug", "slug: 'Bad Slug!'\n", "invalid slug"},
		{"invalid_type", "slug: foo\ntype: overlord\n", "invalid type"},
		{"collection_missing_class", "slug: foo\ncollections:\n  - name: invoices\n", "class is required"},
		{"collector_missing_goal", "slug: foo\nautonomous_collectors:\n  - name: scan\n", "name and goal are required"},
		{"bad_yaml", "slug: [unterminated\n", "parse manifest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.content)
			_, err := LoadManifest(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %v should contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadManifest_MissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidSlug(t *testing.T) {
	for slug, want := range map[string]bool{
		"invoicing-node": true,
		"a":              true,
		"n0de-2":         true,
		"":               false,
		"-leading":       false,
		"trailing-":      false,
		"UPPER":          false,
		"под-узел":       false,
	} {
		if got := ValidSlug(slug); got != want {
			t.Errorf("ValidSlug(%q) = %v, want %v", slug, got, want)
		}
	}
}
