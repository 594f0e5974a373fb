package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Key layout:
//
//	wf/<name>                 workflow document
//	ex/<id>                   execution record
//	exs/<id>                  execution summary
//	evseq/<execID>            last event sequence (uint64, big endian)
//	ev/<execID>/<seq:%020d>   event
const (
	prefixWorkflow  = "wf/"
	prefixExecution = "ex/"
	prefixSummary   = "exs/"
	prefixEventSeq  = "evseq/"
	prefixEvent     = "ev/"
)

// maxConflictRetries bounds optimistic retries on badger.ErrConflict.
const maxConflictRetries = 16

// BadgerStore implements Store on an embedded Badger key-value database.
type BadgerStore struct {
	db *badger.DB
	// appendMu serializes sequence allocation per store.
	appendMu sync.Mutex
}

// NewBadgerStore opens a Badger database in dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Migrate(context.Context) error { return nil }
func (s *BadgerStore) Close() error                  { return s.db.Close() }

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func asStoreErr(op string, err error) error {
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return err
	}
	return storeErr(op, err)
}

// --- Workflows ---

func (s *BadgerStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	now := time.Now().UTC()
	cp := *def
	cp.Version = 1
	cp.CreatedAt, cp.UpdatedAt = now, now
	data, err := xjson.Marshal(&cp)
	if err != nil {
		return storeErr("marshal workflow", err)
	}

	key := prefixWorkflow + def.Name
	err = s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == nil {
			return duplicateName(def.Name)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return asStoreErr("create workflow", err)
	}
	*def = cp
	return nil
}

func (s *BadgerStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	key := prefixWorkflow + def.Name
	var stored schema.WorkflowDefinition
	err := s.update(ctx, func(txn *badger.Txn) error {
		data, err := getValue(txn, key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound("workflow", def.Name)
		}
		if err != nil {
			return err
		}
		var prev schema.WorkflowDefinition
		if err := xjson.Unmarshal(data, &prev); err != nil {
			return err
		}
		stored = *def
		stored.Version = prev.Version + 1
		stored.CreatedAt = prev.CreatedAt
		stored.UpdatedAt = time.Now().UTC()
		next, err := xjson.Marshal(&stored)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), next)
	})
	if err != nil {
		return asStoreErr("update workflow", err)
	}
	*def = stored
	return nil
}

func (s *BadgerStore) GetWorkflow(_ context.Context, name string) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getValue(txn, prefixWorkflow+name)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound("workflow", name)
		}
		if err != nil {
			return err
		}
		return xjson.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, asStoreErr("read workflow", err)
	}
	return &def, nil
}

func (s *BadgerStore) ListWorkflowNames(context.Context) ([]string, error) {
	names := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixWorkflow)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	// Keys iterate in byte order already; sort keeps the contract explicit.
	sort.Strings(names)
	return names, nil
}

func (s *BadgerStore) DeleteWorkflow(ctx context.Context, name string) error {
	key := []byte(prefixWorkflow + name)
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return notFound("workflow", name)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return asStoreErr("delete workflow", err)
	}
	return nil
}

// --- Executions ---

func (s *BadgerStore) SaveExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	data, err := xjson.Marshal(rec)
	if err != nil {
		return storeErr("marshal execution", err)
	}
	sum, err := xjson.Marshal(rec.Summary())
	if err != nil {
		return storeErr("marshal summary", err)
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(prefixExecution+rec.ExecutionID), data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixSummary+rec.ExecutionID), sum)
	})
	if err != nil {
		return storeErr("save execution", err)
	}
	return nil
}

func (s *BadgerStore) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	var rec schema.ExecutionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		data, err := getValue(txn, prefixExecution+id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound("execution", id)
		}
		if err != nil {
			return err
		}
		return xjson.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, asStoreErr("read execution", err)
	}
	return &rec, nil
}

func (s *BadgerStore) ListExecutions(_ context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error) {
	out := []schema.ExecutionSummary{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixSummary)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var sum schema.ExecutionSummary
			if err := xjson.Unmarshal(data, &sum); err != nil {
				return err
			}
			if matchesFilter(sum, filter) {
				out = append(out, sum)
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	return sortAndLimit(out, filter.Limit), nil
}

// --- Events ---

func eventKey(executionID string, seq int64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", prefixEvent, executionID, seq)
}

func (s *BadgerStore) AppendEvent(ctx context.Context, ev *schema.ExecutionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	seqKey := []byte(prefixEventSeq + ev.ExecutionID)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var assigned int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		var last uint64
		item, err := txn.Get(seqKey)
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			last = binary.BigEndian.Uint64(raw)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		cp := *ev
		cp.ID = int64(last + 1)
		data, err := xjson.Marshal(&cp)
		if err != nil {
			return err
		}
		if err := txn.Set(eventKey(ev.ExecutionID, cp.ID), data); err != nil {
			return err
		}
		if err := txn.Set(seqKey, binary.BigEndian.AppendUint64(nil, last+1)); err != nil {
			return err
		}
		assigned = cp.ID
		return nil
	})
	if err != nil {
		return storeErr("append event", err)
	}
	ev.ID = assigned
	return nil
}

func (s *BadgerStore) ListEvents(_ context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error) {
	var out []*schema.ExecutionEvent
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixEvent + executionID + "/")
		for it.Seek(eventKey(executionID, since+1)); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ev := &schema.ExecutionEvent{}
			if err := xjson.Unmarshal(data, ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list events", err)
	}
	return out, nil
}
