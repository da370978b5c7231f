// Package token maintains the registry of tradeable tokens and the lookup
// books used to resolve agent-named subjects to contract addresses.
package token

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
)

// Book is an immutable name→address lookup built fresh each cycle and
// passed by value into the reconciliation engine.
type Book struct {
	byName    map[string]string
	byAddress map[string]string
}

// Registry holds the token universe loaded from the tokens file.
type Registry struct {
	tokens []model.Token
}

func Load(path string) (*Registry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodePersistence, "read tokens file", err)
	}
	var tokens []model.Token
	if err := json.Unmarshal(buf, &tokens); err != nil {
		return nil, clierr.Wrap(clierr.CodePersistence, "parse tokens file", err)
	}
	return New(tokens)
}

func New(tokens []model.Token) (*Registry, error) {
	for _, tok := range tokens {
		if strings.TrimSpace(tok.Name) == "" {
			return nil, clierr.New(clierr.CodeUsage, "token with empty name in registry")
		}
		if !common.IsHexAddress(tok.Address) {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("token %s has invalid address %q", tok.Name, tok.Address))
		}
	}
	return &Registry{tokens: tokens}, nil
}

// Save rewrites the tokens file, sorted by name for stable diffs.
func (r *Registry) Save(path string) error {
	tokens := r.Tokens()
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Name < tokens[j].Name })
	buf, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode tokens", err)
	}
	if err := os.WriteFile(path, append(buf, '\n'), 0o644); err != nil {
		return clierr.Wrap(clierr.CodePersistence, "write tokens file", err)
	}
	return nil
}

func (r *Registry) Tokens() []model.Token {
	return append([]model.Token(nil), r.tokens...)
}

func (r *Registry) Addresses() []string {
	out := make([]string, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, normalizeAddress(tok.Address))
	}
	return out
}

// Book builds the per-cycle lookup. Name resolution is case-insensitive.
func (r *Registry) Book() Book {
	b := Book{
		byName:    make(map[string]string, len(r.tokens)),
		byAddress: make(map[string]string, len(r.tokens)),
	}
	for _, tok := range r.tokens {
		addr := normalizeAddress(tok.Address)
		b.byName[normalizeName(tok.Name)] = addr
		if s := normalizeName(tok.Symbol); s != "" {
			b.byName[s] = addr
		}
		b.byAddress[addr] = tok.Name
	}
	return b
}

// Resolve maps a free-text subject to a contract address. The empty string
// with ok=false means the subject is unknown; callers carry unresolved
// subjects forward rather than dropping them.
func (b Book) Resolve(subject string) (string, bool) {
	addr, ok := b.byName[normalizeName(subject)]
	return addr, ok
}

// NameFor maps an address back to the registered token name.
func (b Book) NameFor(address string) (string, bool) {
	name, ok := b.byAddress[normalizeAddress(address)]
	return name, ok
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NormalizeAddress is the canonical join-key form used by the price
// snapshot and the ledger.
func NormalizeAddress(address string) string {
	return normalizeAddress(address)
}
