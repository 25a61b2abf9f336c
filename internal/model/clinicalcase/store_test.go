package clinicalcase

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindCaseByIDAndCode(t *testing.T) {
	store := NewMemoryStore(Seed())

	byCode, ok := store.FindCase("case-001")
	if !ok {
		t.Fatal("expected CASE-001 to resolve by code")
	}
	if byCode.OpeningLine != "I have chest pain" {
		t.Fatalf("unexpected opening line: %q", byCode.OpeningLine)
	}

	byID, ok := store.FindCase(byCode.ID)
	if !ok || byID.Code != "CASE-001" {
		t.Fatalf("expected lookup by id to return CASE-001, got %+v", byID)
	}

	if _, ok := store.FindCase("CASE-999"); ok {
		t.Fatal("expected unknown code to be missing")
	}
	if _, ok := store.FindCase("  "); ok {
		t.Fatal("expected blank reference to be missing")
	}
}

func TestSummarizeHidesRubric(t *testing.T) {
	c := Seed()[0]
	s := c.Summarize()
	if s.Code != c.Code || s.PatientName != c.PatientName {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cases.json")
	body := `[{"id":"c1","code":"CASE-100","title":"Headache","patientName":"Ms. Lee","openingLine":"My head hurts","rubric":"r"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	items, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile err: %v", err)
	}
	if len(items) != 1 || items[0].Code != "CASE-100" {
		t.Fatalf("unexpected cases: %+v", items)
	}
}

func TestLoadFileRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cases.json")
	body := `[{"id":"c1","code":"CASE-1"},{"id":"c2","code":"case-1"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected duplicate code error")
	}
}
