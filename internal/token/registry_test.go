package token

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/skynetmoney/wizard/internal/model"
)

func testTokens() []model.Token {
	return []model.Token{
		{Name: "Pepe", Symbol: "PEPE", Address: "0x52b492a33E447Cdb854c7FC19F1e57E8BfA1777D"},
		{Name: "Based Brett", Symbol: "BRETT", Address: "0x532f27101965dd16442E59d40670FaF5eBB142E4"},
	}
}

func TestLoadAndBookResolve(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "tokens.json")
	if err := os.WriteFile(path, []byte(`[
		{"name":"Pepe","symbol":"PEPE","address":"0x52b492a33E447Cdb854c7FC19F1e57E8BfA1777D"}
	]`), 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	book := reg.Book()

	addr, ok := book.Resolve("pepe")
	if !ok || addr != "0x52b492a33e447cdb854c7fc19f1e57e8bfa1777d" {
		t.Fatalf("Resolve failed: %q %v", addr, ok)
	}
	if _, ok := book.Resolve("Unknown Coin"); ok {
		t.Fatal("expected unknown subject to stay unresolved")
	}
}

func TestBookResolveIsCaseAndSpaceInsensitive(t *testing.T) {
	reg, err := New(testTokens())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	book := reg.Book()
	if _, ok := book.Resolve("  based   BRETT "); !ok {
		t.Fatal("expected whitespace/case-normalized resolution")
	}
	name, ok := book.NameFor("0x532F27101965DD16442E59D40670FAF5EBB142E4")
	if !ok || name != "Based Brett" {
		t.Fatalf("NameFor failed: %q %v", name, ok)
	}
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	_, err := New([]model.Token{{Name: "Bad", Symbol: "BAD", Address: "not-an-address"}})
	if err == nil {
		t.Fatal("expected invalid address error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "tokens.json")
	reg, err := New(testTokens())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := reg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(back.Tokens()) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(back.Tokens()))
	}
}
