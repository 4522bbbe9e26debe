package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/energy-pipeline/internal/model"
)

var (
	// ErrNoHealthyShard is returned when every shard is marked unhealthy.
	ErrNoHealthyShard = errors.New("router: no healthy shard")

	// ErrUnknownShard is returned for a shard id outside the table.
	ErrUnknownShard = errors.New("router: unknown shard")

	errTableClosed = errors.New("router: shard table closed")
)

// Stats is a snapshot of the shard table.
type Stats struct {
	Shards        []model.ShardInfo `json:"replicas"`
	TotalMessages int64             `json:"totalMessages"`
}

// shardState is only touched by the table's run goroutine.
type shardState struct {
	strategy Strategy
	shards   map[int]*model.ShardInfo
	ids      []int // sorted ascending
	cursor   int   // index into ids of the last round-robin pick
	now      func() time.Time
}

// ShardTable owns per-shard load and health. All access goes through its
// goroutine, so the state needs no lock.
type ShardTable struct {
	ops       chan func(*shardState)
	done      chan struct{}
	closeOnce sync.Once
}

// NewShardTable starts a table holding the given shard ids, all healthy.
func NewShardTable(strategy Strategy, ids []int) *ShardTable {
	return newShardTable(strategy, ids, time.Now)
}

func newShardTable(strategy Strategy, ids []int, now func() time.Time) *ShardTable {
	st := &shardState{
		strategy: strategy,
		shards:   make(map[int]*model.ShardInfo, len(ids)),
		cursor:   -1,
		now:      now,
	}
	for _, id := range ids {
		st.add(id)
	}

	t := &ShardTable{
		ops:  make(chan func(*shardState)),
		done: make(chan struct{}),
	}
	go t.run(st)
	return t
}

func (t *ShardTable) run(st *shardState) {
	for {
		select {
		case <-t.done:
			return
		case op := <-t.ops:
			op(st)
		}
	}
}

// do runs fn on the table goroutine and waits for it to finish.
func (t *ShardTable) do(fn func(*shardState)) error {
	finished := make(chan struct{})
	select {
	case t.ops <- func(st *shardState) {
		fn(st)
		close(finished)
	}:
	case <-t.done:
		return errTableClosed
	}
	<-finished
	return nil
}

// Close stops the table goroutine. Later calls return errors or zero values.
func (t *ShardTable) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// SelectShard picks the shard for deviceID according to the table's strategy.
func (t *ShardTable) SelectShard(deviceID int64) (int, error) {
	var (
		id  int
		err error
	)
	if doErr := t.do(func(st *shardState) { id, err = st.selectShard(deviceID) }); doErr != nil {
		return 0, doErr
	}
	return id, err
}

// RecordDispatch counts one forwarded message against shardID.
func (t *ShardTable) RecordDispatch(shardID int) {
	_ = t.do(func(st *shardState) {
		if info, ok := st.shards[shardID]; ok {
			info.MessageCount++
			info.LastMessageTime = st.now()
		}
	})
}

// SetShardHealth marks a shard healthy or unhealthy. Unhealthy shards are
// skipped by selection until marked healthy again.
func (t *ShardTable) SetShardHealth(shardID int, healthy bool) error {
	var err error
	if doErr := t.do(func(st *shardState) {
		info, ok := st.shards[shardID]
		if !ok {
			err = ErrUnknownShard
			return
		}
		info.Healthy = healthy
	}); doErr != nil {
		return doErr
	}
	return err
}

// Stats returns a copy of every shard's counters, ordered by id.
func (t *ShardTable) Stats() Stats {
	var s Stats
	_ = t.do(func(st *shardState) {
		s.Shards = make([]model.ShardInfo, 0, len(st.ids))
		for _, id := range st.ids {
			info := *st.shards[id]
			s.Shards = append(s.Shards, info)
			s.TotalMessages += info.MessageCount
		}
	})
	return s
}

// ResetStats zeroes message counts. Health flags are kept.
func (t *ShardTable) ResetStats() {
	_ = t.do(func(st *shardState) {
		for _, info := range st.shards {
			info.MessageCount = 0
		}
	})
}

// AddShard inserts a healthy shard. It reports false if it already existed.
func (t *ShardTable) AddShard(id int) bool {
	var added bool
	_ = t.do(func(st *shardState) { added = st.add(id) })
	return added
}

// RemoveShard drops a shard. It reports false if it was not present.
func (t *ShardTable) RemoveShard(id int) bool {
	var removed bool
	_ = t.do(func(st *shardState) { removed = st.remove(id) })
	return removed
}

// ShardIDs returns the current shard ids in ascending order.
func (t *ShardTable) ShardIDs() []int {
	var ids []int
	_ = t.do(func(st *shardState) { ids = append([]int(nil), st.ids...) })
	return ids
}

func (st *shardState) add(id int) bool {
	if _, ok := st.shards[id]; ok {
		return false
	}
	st.shards[id] = &model.ShardInfo{ID: id, LastMessageTime: st.now(), Healthy: true}
	i := sort.SearchInts(st.ids, id)
	st.ids = append(st.ids, 0)
	copy(st.ids[i+1:], st.ids[i:])
	st.ids[i] = id
	return true
}

func (st *shardState) remove(id int) bool {
	if _, ok := st.shards[id]; !ok {
		return false
	}
	delete(st.shards, id)
	i := sort.SearchInts(st.ids, id)
	st.ids = append(st.ids[:i], st.ids[i+1:]...)
	if st.cursor >= len(st.ids) {
		st.cursor = -1
	}
	return true
}

func (st *shardState) selectShard(deviceID int64) (int, error) {
	n := len(st.ids)
	if n == 0 && st.strategy != DeviceSharding {
		return 0, ErrNoHealthyShard
	}

	switch st.strategy {
	case LeastLoaded:
		best := -1
		var minCount int64
		for _, id := range st.ids {
			info := st.shards[id]
			if !info.Healthy {
				continue
			}
			if best == -1 || info.MessageCount < minCount {
				best, minCount = id, info.MessageCount
			}
		}
		if best == -1 {
			return 0, ErrNoHealthyShard
		}
		return best, nil

	case ConsistentHash:
		i, ok := st.probe(hashSlot(deviceID, n))
		if !ok {
			return 0, ErrNoHealthyShard
		}
		return st.ids[i], nil

	case DeviceSharding:
		info, ok := st.shards[int(deviceID)]
		if !ok {
			return 0, ErrUnknownShard
		}
		if !info.Healthy {
			return 0, ErrNoHealthyShard
		}
		return info.ID, nil

	default:
		i, ok := st.probe((st.cursor + 1) % n)
		if !ok {
			return 0, ErrNoHealthyShard
		}
		st.cursor = i
		return st.ids[i], nil
	}
}

// probe returns the first healthy index at or after start, wrapping once.
func (st *shardState) probe(start int) (int, bool) {
	n := len(st.ids)
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if st.shards[st.ids[i]].Healthy {
			return i, true
		}
	}
	return 0, false
}
