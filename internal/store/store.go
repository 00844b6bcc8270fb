// Package store persists cards and small key-value slots in BadgerDB.
//
// Cards live under "card/<cardId>" and carry secondary index entries for
// domain, type, source, lastVisitedAt, and normalized URL. Slots hold
// single JSON documents such as the intent cache and domain overrides.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/DatanoiseTV/tabitha/internal/types"
	"github.com/DatanoiseTV/tabitha/internal/urlkey"
)

// ErrNotFound is returned when a card or slot does not exist.
var ErrNotFound = errors.New("not found")

// Slot names.
const (
	SlotIntentCache     = "intent_cache"
	SlotDomainOverrides = "domain_overrides"
	SlotTelemetry       = "telemetry"
)

// Field is a secondary index on cards.
type Field string

const (
	ByDomain  Field = "domain"
	ByType    Field = "type"
	BySource  Field = "source"
	ByVisited Field = "visited"
	ByURL     Field = "url"
)

const (
	cardPrefix  = "card/"
	indexPrefix = "idx/"
	slotPrefix  = "slot/"
	sep         = "\x00"
)

// Store is the persistent object store.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open opens (or creates) the store in dir. An empty dir keeps everything in
// memory.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir).
		WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open card database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the BadgerDB instance.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func cardKey(id string) []byte { return []byte(cardPrefix + id) }

func indexValuePrefix(f Field, value string) string {
	return indexPrefix + string(f) + "/" + value + sep
}

func indexEntries(c types.Card) [][]byte {
	entries := [][]byte{
		[]byte(indexValuePrefix(ByDomain, c.Domain) + c.CardID),
		[]byte(indexValuePrefix(ByType, string(c.Type)) + c.CardID),
		[]byte(indexValuePrefix(BySource, string(c.Source)) + c.CardID),
		[]byte(indexValuePrefix(ByVisited, visitedValue(c.LastVisitedAt)) + c.CardID),
	}
	if u := urlkey.Normalize(c.URL); u != "" {
		entries = append(entries, []byte(indexValuePrefix(ByURL, u)+c.CardID))
	}
	return entries
}

// visitedValue zero-pads so lexical order equals numeric order.
func visitedValue(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%020d", ms)
}

// PutCards upserts cards and their index entries in one transaction.
func (s *Store) PutCards(cards []types.Card) error {
	if len(cards) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, c := range cards {
			if c.CardID == "" {
				return fmt.Errorf("card without id: %q", c.URL)
			}
			old, err := getCard(txn, c.CardID)
			switch {
			case err == nil:
				for _, k := range indexEntries(old) {
					if err := txn.Delete(k); err != nil {
						return err
					}
				}
			case !errors.Is(err, ErrNotFound):
				return err
			}

			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to marshal card: %w", err)
			}
			if err := txn.Set(cardKey(c.CardID), data); err != nil {
				return err
			}
			for _, k := range indexEntries(c) {
				if err := txn.Set(k, nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeleteCards removes cards and their index entries. Missing ids are ignored.
func (s *Store) DeleteCards(ids ...string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			old, err := getCard(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			for _, k := range indexEntries(old) {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			if err := txn.Delete(cardKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetCard returns one card.
func (s *Store) GetCard(id string) (types.Card, error) {
	var c types.Card
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCard(txn, id)
		return err
	})
	return c, err
}

func getCard(txn *badger.Txn, id string) (types.Card, error) {
	var c types.Card
	item, err := txn.Get(cardKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return c, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	if err != nil {
		return c, fmt.Errorf("failed to unmarshal card %s: %w", id, err)
	}
	return c, nil
}

// AllCards returns every stored card.
func (s *Store) AllCards() ([]types.Card, error) {
	var cards []types.Card
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(cardPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c types.Card
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				s.logger.Warn("skipping unreadable card", zap.ByteString("key", it.Item().Key()), zap.Error(err))
				continue
			}
			cards = append(cards, c)
		}
		return nil
	})
	return cards, err
}

// CardIDsBy returns the ids indexed under field=value.
func (s *Store) CardIDsBy(field Field, value string) ([]string, error) {
	if field == ByURL {
		value = urlkey.Normalize(value)
	}
	prefix := indexValuePrefix(field, value)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}
		return nil
	})
	return ids, err
}

// CardIDsVisitedBetween returns ids with since <= lastVisitedAt < until, most
// recent first. A zero until is open-ended.
func (s *Store) CardIDsVisitedBetween(since, until int64) ([]string, error) {
	base := indexPrefix + string(ByVisited) + "/"
	start := []byte(base + visitedValue(since))
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(base)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), base)
			value, id, ok := strings.Cut(rest, sep)
			if !ok {
				continue
			}
			if until > 0 && value >= visitedValue(until) {
				break
			}
			ids = append(ids, id)
		}
		return nil
	})
	// newest first
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, err
}

// Counts returns how many cards each value of field has.
func (s *Store) Counts(field Field) (map[string]int, error) {
	base := indexPrefix + string(field) + "/"
	counts := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(base)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			value, _, ok := strings.Cut(strings.TrimPrefix(string(it.Item().Key()), base), sep)
			if ok {
				counts[value]++
			}
		}
		return nil
	})
	return counts, err
}

// GetSlot decodes the JSON slot into out.
func (s *Store) GetSlot(name string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(slotPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("slot %s: %w", name, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("failed to unmarshal slot %s: %w", name, err)
			}
			return nil
		})
	})
}

// PutSlot stores v as JSON under name.
func (s *Store) PutSlot(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal slot %s: %w", name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(slotPrefix+name), data)
	})
}
