package kcore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kcore-project/kcore/pkg/kproto"
)

// PartitionMetadata is the router's view of one partition, trimmed to
// what routing needs -- full replica/ISR detail lives only transiently
// in the kproto response this was built from.
type PartitionMetadata struct {
	Partition int32
	Leader    int32 // -1 means "electing", never cached as a route
}

// TopicMetadata is the router's per-topic cache entry. Partitions are
// keyed by partition ID; ordering for round-robin selection is imposed
// at read time by PartitionSelector, not stored here.
type TopicMetadata struct {
	Topic      string
	Partitions map[int32]PartitionMetadata
	fetchedAt  time.Time
}

func newTopicMetadata(topic string, partitions []PartitionMetadata) *TopicMetadata {
	m := make(map[int32]PartitionMetadata, len(partitions))
	for _, p := range partitions {
		m[p.Partition] = p
	}
	return &TopicMetadata{Topic: topic, Partitions: m}
}

func (t *TopicMetadata) slice() []PartitionMetadata {
	out := make([]PartitionMetadata, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		out = append(out, p)
	}
	return out
}

// GroupCoordinator is the cached broker fronting a consumer group's
// offset commits.
type GroupCoordinator struct {
	GroupID  string
	Endpoint Endpoint
}

// routerState is one immutable, atomically-swapped snapshot of
// everything the router knows. Readers (GetTopicBroker, GetGroupBroker)
// never take a lock -- they load the current *routerState and read
// through it; only a refresh builds and installs a new one, so readers
// always see a consistent snapshot.
type routerState struct {
	connByEndpoint map[string]*Connection // keyed by Endpoint.Addr
	connByBroker   map[int32]Endpoint
	topics         map[string]*TopicMetadata
	groups         map[string]*cachedGroup
}

type cachedGroup struct {
	coord     GroupCoordinator
	fetchedAt time.Time
}

func emptyState() *routerState {
	return &routerState{
		connByEndpoint: make(map[string]*Connection),
		connByBroker:   make(map[int32]Endpoint),
		topics:         make(map[string]*TopicMetadata),
		groups:         make(map[string]*cachedGroup),
	}
}

// Router owns every broker connection and the topic/group metadata
// caches built from them, serializing refreshes behind a single coarse
// lock while keeping lookups lock-free.
type Router struct {
	factory *ConnectionFactory
	log     Logger
	cfg     Config

	state atomic.Pointer[routerState]

	refreshMu sync.Mutex
}

// NewRouter resolves every seed URI, dials whichever resolve, and fails
// only if none of them do.
func NewRouter(ctx context.Context, seeds []string, opts ...Option) (*Router, error) {
	cfg := apply(opts)
	log := cfg.logger()

	r := &Router{
		factory: NewConnectionFactory(cfg, log),
		log:     log,
		cfg:     cfg,
	}
	r.state.Store(emptyState())

	var resolved int
	st := emptyState()
	for _, seedURI := range seeds {
		ep, err := ResolveEndpoint(seedURI)
		if err != nil {
			log.Log(LogLevelWarn, "unable to resolve seed", "seed", seedURI, "err", err)
			continue
		}
		conn, err := r.factory.Create(ctx, ep)
		if err != nil {
			log.Log(LogLevelWarn, "unable to connect to seed", "seed", seedURI, "err", err)
			continue
		}
		st.connByEndpoint[ep.Addr] = conn
		resolved++
	}
	if resolved == 0 {
		return nil, ErrNoSeedResolved
	}
	r.state.Store(st)

	if err := r.refreshMetadata(ctx, nil); err != nil {
		log.Log(LogLevelWarn, "initial metadata refresh failed", "err", err)
	}
	return r, nil
}

func (r *Router) snapshot() *routerState { return r.state.Load() }

// GetTopicBroker returns the live connection for topic/partition's
// current leader, refreshing metadata first if the cached entry is
// stale, missing, or mid-election (leader == -1).
func (r *Router) GetTopicBroker(ctx context.Context, topic string, partition int32) (*Connection, error) {
	st := r.snapshot()
	if conn, ok := r.lookupTopicBroker(st, topic, partition); ok {
		return conn, nil
	}
	if err := r.refreshMetadata(ctx, []string{topic}); err != nil {
		return nil, err
	}
	st = r.snapshot()
	if conn, ok := r.lookupTopicBroker(st, topic, partition); ok {
		return conn, nil
	}
	return nil, &CachedMetadataError{Topic: topic, Partition: partition, Cause: ErrNoSeedResolved}
}

func (r *Router) lookupTopicBroker(st *routerState, topic string, partition int32) (*Connection, bool) {
	tm, ok := st.topics[topic]
	if !ok || r.stale(tm.fetchedAt) {
		return nil, false
	}
	pm, ok := tm.Partitions[partition]
	if !ok || pm.Leader == -1 {
		return nil, false
	}
	ep, ok := st.connByBroker[pm.Leader]
	if !ok {
		return nil, false
	}
	conn, ok := st.connByEndpoint[ep.Addr]
	if !ok || conn.Dead() {
		return nil, false
	}
	return conn, true
}

// Partitions returns the cached partition list for topic, refreshing if
// necessary. Used by the producer's partition selector and by the
// consumer's metadata refresh before a retried fetch.
func (r *Router) Partitions(ctx context.Context, topic string) ([]PartitionMetadata, error) {
	st := r.snapshot()
	if tm, ok := st.topics[topic]; ok && !r.stale(tm.fetchedAt) {
		return tm.slice(), nil
	}
	if err := r.refreshMetadata(ctx, []string{topic}); err != nil {
		return nil, err
	}
	st = r.snapshot()
	tm, ok := st.topics[topic]
	if !ok {
		return nil, &CachedMetadataError{Topic: topic, Partition: -1, Cause: ErrNoSeedResolved}
	}
	return tm.slice(), nil
}

// GetGroupBroker returns the live connection to groupID's coordinator,
// refreshing the group cache if stale or missing.
func (r *Router) GetGroupBroker(ctx context.Context, groupID string) (*Connection, error) {
	st := r.snapshot()
	if conn, ok := r.lookupGroupBroker(st, groupID); ok {
		return conn, nil
	}
	if err := r.refreshGroup(ctx, groupID); err != nil {
		return nil, err
	}
	st = r.snapshot()
	if conn, ok := r.lookupGroupBroker(st, groupID); ok {
		return conn, nil
	}
	return nil, &CachedMetadataError{GroupID: groupID, Cause: ErrNoSeedResolved}
}

func (r *Router) lookupGroupBroker(st *routerState, groupID string) (*Connection, bool) {
	cg, ok := st.groups[groupID]
	if !ok || r.stale(cg.fetchedAt) {
		return nil, false
	}
	conn, ok := st.connByEndpoint[cg.coord.Endpoint.Addr]
	if !ok || conn.Dead() {
		return nil, false
	}
	return conn, true
}

func (r *Router) stale(fetchedAt time.Time) bool {
	return time.Since(fetchedAt) > r.cfg.CacheExpiration
}

// allFreshLocked reports whether every requested topic (or, for a nil
// topics, every topic already cached -- provided at least one is) is
// still within cache_expiration of its last fetch. Called with
// refreshMu held, so a caller that lost the race to populate the cache
// sees the winner's fresh result instead of issuing its own redundant
// MetadataRequest.
func (r *Router) allFreshLocked(st *routerState, topics []string) bool {
	if topics == nil {
		if len(st.topics) == 0 {
			return false
		}
		for _, tm := range st.topics {
			if r.stale(tm.fetchedAt) {
				return false
			}
		}
		return true
	}
	for _, topic := range topics {
		tm, ok := st.topics[topic]
		if !ok || r.stale(tm.fetchedAt) {
			return false
		}
	}
	return true
}

// refreshMetadata fetches metadata for the given topics (nil means "all
// topics") from any live connection and atomically installs a new
// state snapshot. Only one refresh runs at a time; a second caller
// arriving while one is in flight waits for it rather than issuing a
// redundant request, and once it acquires the lock it rechecks
// freshness and returns early if the winner already fetched everything
// it needed.
func (r *Router) refreshMetadata(ctx context.Context, topics []string) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.snapshot()
	if r.allFreshLocked(prev, topics) {
		return nil
	}

	conn, err := r.anyLiveConnection(ctx, prev)
	if err != nil {
		return err
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.RefreshTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, r.cfg.RefreshTimeout)
		defer cancel()
	}

	resp, err := conn.Send(reqCtx, &kproto.MetadataRequest{Topics: topics}, time.Time{})
	if err != nil {
		return err
	}
	mr := resp.(*kproto.MetadataResponse)

	next := &routerState{
		connByEndpoint: make(map[string]*Connection, len(prev.connByEndpoint)),
		connByBroker:   make(map[int32]Endpoint, len(mr.Brokers)),
		topics:         make(map[string]*TopicMetadata, len(prev.topics)),
		groups:         prev.groups,
	}
	for k, v := range prev.connByEndpoint {
		next.connByEndpoint[k] = v
	}
	for k, v := range prev.topics {
		next.topics[k] = v
	}

	now := time.Now()
	for _, b := range mr.Brokers {
		ep := Endpoint{Addr: fmt.Sprintf("%s:%d", b.Host, b.Port)}
		next.connByBroker[b.NodeID] = ep
		if _, ok := next.connByEndpoint[ep.Addr]; ok {
			continue
		}
		c, err := r.factory.Create(ctx, ep)
		if err != nil {
			r.log.Log(LogLevelWarn, "unable to connect to broker discovered via metadata", "endpoint", ep.String(), "err", err)
			continue
		}
		next.connByEndpoint[ep.Addr] = c
	}

	for _, t := range mr.Topics {
		parts := make([]PartitionMetadata, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			parts = append(parts, PartitionMetadata{Partition: p.Partition, Leader: p.Leader})
		}
		tm := newTopicMetadata(t.Topic, parts)
		tm.fetchedAt = now
		next.topics[t.Topic] = tm
	}

	r.state.Store(next)
	return nil
}

// refreshGroup fetches the coordinator for a single group and installs
// it into a new snapshot, leaving topic metadata untouched.
func (r *Router) refreshGroup(ctx context.Context, groupID string) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.snapshot()
	conn, err := r.anyLiveConnection(ctx, prev)
	if err != nil {
		return err
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.RefreshTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, r.cfg.RefreshTimeout)
		defer cancel()
	}

	resp, err := conn.Send(reqCtx, &kproto.GroupCoordinatorRequest{GroupID: groupID}, time.Time{})
	if err != nil {
		return err
	}
	gr := resp.(*kproto.GroupCoordinatorResponse)
	if gr.ErrorCode != kproto.ErrNone {
		return &RequestError{Code: gr.ErrorCode, Endpoint: Endpoint{Addr: fmt.Sprintf("%s:%d", gr.CoordinatorHost, gr.CoordinatorPort)}}
	}

	ep := Endpoint{Addr: fmt.Sprintf("%s:%d", gr.CoordinatorHost, gr.CoordinatorPort)}

	next := &routerState{
		connByEndpoint: make(map[string]*Connection, len(prev.connByEndpoint)+1),
		connByBroker:   prev.connByBroker,
		topics:         prev.topics,
		groups:         make(map[string]*cachedGroup, len(prev.groups)+1),
	}
	for k, v := range prev.connByEndpoint {
		next.connByEndpoint[k] = v
	}
	for k, v := range prev.groups {
		next.groups[k] = v
	}
	if _, ok := next.connByEndpoint[ep.Addr]; !ok {
		c, err := r.factory.Create(ctx, ep)
		if err != nil {
			return err
		}
		next.connByEndpoint[ep.Addr] = c
	}
	next.groups[groupID] = &cachedGroup{
		coord:     GroupCoordinator{GroupID: groupID, Endpoint: ep},
		fetchedAt: time.Now(),
	}

	r.state.Store(next)
	return nil
}

// InvalidateTopic drops topic's cached metadata so the next GetTopicBroker
// or Partitions call is forced to issue a fresh MetadataRequest instead of
// serving a route the caller has learned is wrong (e.g. after a
// StaleMetadata-classified produce error).
func (r *Router) InvalidateTopic(topic string) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.snapshot()
	if _, ok := prev.topics[topic]; !ok {
		return
	}
	next := &routerState{
		connByEndpoint: prev.connByEndpoint,
		connByBroker:   prev.connByBroker,
		topics:         make(map[string]*TopicMetadata, len(prev.topics)-1),
		groups:         prev.groups,
	}
	for k, v := range prev.topics {
		if k == topic {
			continue
		}
		next.topics[k] = v
	}
	r.state.Store(next)
}

func (r *Router) anyLiveConnection(ctx context.Context, st *routerState) (*Connection, error) {
	for _, c := range st.connByEndpoint {
		if !c.Dead() {
			return c, nil
		}
	}
	return nil, ErrNoSeedResolved
}

// Close disposes every connection the router owns.
func (r *Router) Close() error {
	st := r.snapshot()
	for _, c := range st.connByEndpoint {
		c.Close()
	}
	return nil
}
