package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/execution-hub/lockstep/internal/lockstep/protocol"
)

var (
	ErrGap             = errors.New("journal gap")
	ErrNotFound        = errors.New("not found")
	ErrSessionMismatch = errors.New("journal belongs to another session")
)

var sessionKey = []byte("session_id")

// Journal persists applied command batches in a bolt-backed raft log store, one entry per
// turn at index turn+1.
type Journal struct {
	mu    sync.Mutex
	store *raftboltdb.BoltStore
}

func Open(path string) (*Journal, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{store: store}, nil
}

// Append stores a batch. Re-appending a recorded turn is a no-op; skipping a turn fails.
func (j *Journal) Append(batch protocol.CommandBatch) error {
	if batch.Turn < 0 {
		return fmt.Errorf("negative turn: %d", batch.Turn)
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.store.LastIndex()
	if err != nil {
		return err
	}
	idx := uint64(batch.Turn) + 1
	if idx <= last {
		return nil
	}
	if idx != last+1 {
		return fmt.Errorf("%w: turn %d after %d entries", ErrGap, batch.Turn, last)
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return j.store.StoreLog(&raft.Log{
		Index:      idx,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: time.Now().UTC(),
	})
}

// Replay calls fn for every batch from turn from onwards, in turn order.
func (j *Journal) Replay(from protocol.Turn, fn func(protocol.CommandBatch) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	first, err := j.store.FirstIndex()
	if err != nil {
		return err
	}
	last, err := j.store.LastIndex()
	if err != nil {
		return err
	}
	if last == 0 {
		return nil
	}
	start := first
	if from > 0 && uint64(from)+1 > start {
		start = uint64(from) + 1
	}
	for idx := start; idx <= last; idx++ {
		var entry raft.Log
		if err := j.store.GetLog(idx, &entry); err != nil {
			return fmt.Errorf("read turn %d: %w", idx-1, err)
		}
		var batch protocol.CommandBatch
		if err := json.Unmarshal(entry.Data, &batch); err != nil {
			return fmt.Errorf("decode turn %d: %w", idx-1, err)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// LastTurn returns the newest recorded turn; ok is false for an empty journal.
func (j *Journal) LastTurn() (protocol.Turn, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	last, err := j.store.LastIndex()
	if err != nil || last == 0 {
		return 0, false, err
	}
	return protocol.Turn(last - 1), true, nil
}

// SetSession records which session the journal belongs to.
func (j *Journal) SetSession(id string) error {
	return j.store.Set(sessionKey, []byte(id))
}

func (j *Journal) Session() (string, error) {
	v, err := j.store.Get(sessionKey)
	if err != nil {
		if errors.Is(err, raftboltdb.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(v), nil
}

// Bind ties the journal to a session: an unbound journal records id, a journal of another
// session is refused with ErrSessionMismatch.
func (j *Journal) Bind(id string) error {
	current, err := j.Session()
	switch {
	case errors.Is(err, ErrNotFound):
		return j.SetSession(id)
	case err != nil:
		return err
	case current != id:
		return fmt.Errorf("%w: journal holds %s", ErrSessionMismatch, current)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.store.Close()
}
