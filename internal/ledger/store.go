// Package ledger owns the persisted portfolio and the reconciliation engine
// that merges parsed trade instructions with fresh prices into a new ledger
// state.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	clierr "github.com/skynetmoney/wizard/internal/errors"
	"github.com/skynetmoney/wizard/internal/model"
)

// QuoteAsset is the capital reservoir row present in every portfolio. Its
// Value field carries the USDC balance rather than a unit price.
const QuoteAsset = "USDC"

const lockTimeout = 5 * time.Second

// Store persists the portfolio as an indented JSON array, rewritten
// wholesale on every save. Writes go to a temp file followed by an atomic
// rename and are serialized across processes with a lock file.
type Store struct {
	path string
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, clierr.Wrap(clierr.CodePersistence, "create portfolio directory", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, clierr.Wrap(clierr.CodePersistence, "create lock directory", err)
	}
	return &Store{path: path, lock: flock.New(lockPath)}, nil
}

// Load reads the current ledger. A missing file seeds a fresh portfolio
// holding only the quote row with the given starting balance.
func (s *Store) Load(startingBalance float64, now time.Time) ([]model.PortfolioEntry, error) {
	buf, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Quote row convention: Value carries the USDC balance and
			// Amount stays fixed at 1, so amount*value totals still sum
			// to the balance.
			return []model.PortfolioEntry{{
				Asset:     QuoteAsset,
				Value:     startingBalance,
				Amount:    1,
				Purchased: now.UnixMilli(),
			}}, nil
		}
		return nil, clierr.Wrap(clierr.CodePersistence, "read portfolio", err)
	}

	var entries []model.PortfolioEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, clierr.Wrap(clierr.CodePersistence, "parse portfolio", err)
	}
	if err := validate(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Save replaces the whole ledger under the store lock. A failed write never
// leaves a partially written portfolio behind.
func (s *Store) Save(entries []model.PortfolioEntry) error {
	if err := validate(entries); err != nil {
		return err
	}

	locked, err := s.lock.TryLockContext(context.Background(), lockTimeout)
	if err != nil {
		return clierr.Wrap(clierr.CodePersistence, "lock portfolio", err)
	}
	if !locked {
		return clierr.New(clierr.CodePersistence, "lock portfolio: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode portfolio", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".portfolio-*.json")
	if err != nil {
		return clierr.Wrap(clierr.CodePersistence, "create temp portfolio", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(buf, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return clierr.Wrap(clierr.CodePersistence, "write portfolio", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return clierr.Wrap(clierr.CodePersistence, "flush portfolio", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return clierr.Wrap(clierr.CodePersistence, "replace portfolio", err)
	}
	return nil
}

func validate(entries []model.PortfolioEntry) error {
	seen := make(map[string]struct{}, len(entries))
	quote := false
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Asset))
		if key == "" {
			return clierr.New(clierr.CodePersistence, "portfolio row with empty asset name")
		}
		if _, dup := seen[key]; dup {
			return clierr.New(clierr.CodePersistence, fmt.Sprintf("duplicate portfolio row for asset %s", e.Asset))
		}
		seen[key] = struct{}{}
		if e.Asset == QuoteAsset {
			quote = true
		}
		if e.Amount < 0 {
			return clierr.New(clierr.CodePersistence, fmt.Sprintf("negative amount for asset %s", e.Asset))
		}
	}
	if !quote {
		return clierr.New(clierr.CodePersistence, "portfolio is missing the quote asset row")
	}
	return nil
}
