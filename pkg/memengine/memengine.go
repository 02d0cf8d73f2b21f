// Package memengine is a pure-Go, in-memory eventstore.StorageEngine
// reference implementation. It exists to exercise and demonstrate the
// read path and subscription runtime without depending on any external
// database; a production deployment would implement the same interface
// over durable storage.
//
// Envelopes are encoded with msgpack purely to exercise that codec on
// the write side this engine owns; the read path never depends on the
// encoding since engine methods always hand back decoded Message values.
package memengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumadb/eventstore/pkg/eventstore"
)

// envelope is the on-disk (in this case, in-memory byte-slice) encoding
// of one committed message; only used internally for round-tripping
// through msgpack, which downstream callers never observe.
type envelope struct {
	StreamID      string    `msgpack:"stream_id"`
	StreamVersion uint32    `msgpack:"stream_version"`
	Position      int64     `msgpack:"position"`
	MessageID     string    `msgpack:"message_id"`
	Type          string    `msgpack:"type"`
	CreatedUTC    time.Time `msgpack:"created_utc"`
	JSONMetadata  string    `msgpack:"json_metadata"`
	JSONData      string    `msgpack:"json_data"`
}

type streamMeta struct {
	version      int64
	maxAgeSecs   *uint32
	maxCount     *uint32
	metadataVer  int64
	metadataJSON string
}

// Engine is an in-memory StorageEngine. Safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	all     []envelope          // global position order, dense index
	streams map[string][]int    // stream_id -> indices into all, in version order
	meta    map[string]*streamMeta
}

// New builds an empty Engine.
func New() *Engine {
	return &Engine{
		streams: make(map[string][]int),
		meta:    make(map[string]*streamMeta),
	}
}

var _ eventstore.StorageEngine = (*Engine)(nil)

// Append commits a new message to streamID at the next available
// version and global position, returning the assigned position.
func (e *Engine) Append(streamID string, typ, jsonMetadata, jsonData string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	version := uint32(len(e.streams[streamID]))
	position := int64(len(e.all))

	env := envelope{
		StreamID:      streamID,
		StreamVersion: version,
		Position:      position,
		MessageID:     uuid.NewString(),
		Type:          typ,
		CreatedUTC:    time.Now().UTC(),
		JSONMetadata:  jsonMetadata,
		JSONData:      jsonData,
	}

	// Round-trip through msgpack: the decoded copy is what actually
	// gets stored, so a message always reads back exactly what a
	// msgpack client would see.
	encoded, err := msgpack.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("memengine: marshal envelope: %w", err)
	}
	var stored envelope
	if err := msgpack.Unmarshal(encoded, &stored); err != nil {
		return 0, fmt.Errorf("memengine: unmarshal envelope: %w", err)
	}

	e.all = append(e.all, stored)
	e.streams[streamID] = append(e.streams[streamID], position)
	if m, ok := e.meta[streamID]; ok {
		m.version = int64(version) + 1
	} else {
		e.meta[streamID] = &streamMeta{version: int64(version) + 1}
	}

	return position, nil
}

// DeleteStream removes every message of streamID from the read path
// and records a tombstone on the well-known $deleted stream, per the
// deleted-stream accounting convention.
func (e *Engine) DeleteStream(streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	indices, ok := e.streams[streamID]
	if !ok || len(indices) == 0 {
		return nil
	}

	removed := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		removed[idx] = struct{}{}
	}

	newAll := make([]envelope, 0, len(e.all)-len(indices))
	newStreams := make(map[string][]int, len(e.streams))
	for idx, env := range e.all {
		if _, gone := removed[idx]; gone {
			continue
		}
		newPos := int64(len(newAll))
		env.Position = newPos
		newAll = append(newAll, env)
		newStreams[env.StreamID] = append(newStreams[env.StreamID], int(newPos))
	}
	e.all = newAll
	e.streams = newStreams
	delete(e.meta, streamID)

	tombVersion := uint32(len(e.streams[string(eventstore.DeletedStreamID)]))
	tombPos := int64(len(e.all))
	tomb := envelope{
		StreamID:      string(eventstore.DeletedStreamID),
		StreamVersion: tombVersion,
		Position:      tombPos,
		MessageID:     uuid.NewString(),
		Type:          "stream-deleted",
		CreatedUTC:    time.Now().UTC(),
		JSONMetadata:  "",
		JSONData:      fmt.Sprintf(`{"stream_id":%q}`, streamID),
	}
	e.all = append(e.all, tomb)
	e.streams[tomb.StreamID] = append(e.streams[tomb.StreamID], int(tombPos))

	return nil
}

// DeleteMessage removes a single message of streamID by version,
// leaving a permanent gap at its global position (exercising the gap
// reconciler's "persistent gap" path).
func (e *Engine) DeleteMessage(streamID string, version uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := -1
	for _, idx := range e.streams[streamID] {
		if e.all[idx].StreamVersion == version {
			target = idx
			break
		}
	}
	if target == -1 {
		return fmt.Errorf("memengine: stream %q has no version %d", streamID, version)
	}

	newAll := make([]envelope, 0, len(e.all)-1)
	newStreams := make(map[string][]int, len(e.streams))
	for idx, env := range e.all {
		if idx == target {
			continue
		}
		newAll = append(newAll, env)
		newStreams[env.StreamID] = append(newStreams[env.StreamID], len(newAll)-1)
	}
	e.all = newAll
	e.streams = newStreams

	return nil
}

// SetStreamMetadata sets streamID's retention policy.
func (e *Engine) SetStreamMetadata(streamID string, maxAgeSeconds, maxCount *uint32, metadataJSON string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.meta[streamID]
	if !ok {
		m = &streamMeta{}
		e.meta[streamID] = m
	}
	m.maxAgeSecs = maxAgeSeconds
	m.maxCount = maxCount
	m.metadataVer++
	m.metadataJSON = metadataJSON
	return nil
}

func toMessage(env envelope) eventstore.Message {
	id, _ := uuid.Parse(env.MessageID)
	return eventstore.NewPrefetchedMessage(
		eventstore.StreamID(env.StreamID), env.StreamVersion, env.Position,
		id, env.Type, env.CreatedUTC, env.JSONMetadata, env.JSONData,
	)
}

// ReadAllForwardsInternal implements eventstore.StorageEngine.
func (e *Engine) ReadAllForwardsInternal(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (eventstore.ReadAllPage, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.ReadAllPage{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var messages []eventstore.Message
	next := fromPositionInclusive
	for _, env := range e.all {
		if env.Position < fromPositionInclusive {
			continue
		}
		if len(messages) >= maxCount {
			break
		}
		messages = append(messages, toMessage(env))
		next = env.Position + 1
	}

	isEnd := true
	if len(e.all) > 0 {
		lastPos := e.all[len(e.all)-1].Position
		isEnd = next > lastPos
	}

	return eventstore.ReadAllPage{
		FromPosition: fromPositionInclusive,
		NextPosition: next,
		IsEnd:        isEnd,
		Messages:     messages,
	}, nil
}

// ReadAllBackwardsInternal implements eventstore.StorageEngine.
func (e *Engine) ReadAllBackwardsInternal(ctx context.Context, fromPositionInclusive int64, maxCount int, prefetch bool) (eventstore.ReadAllPage, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.ReadAllPage{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := fromPositionInclusive
	if start == -1 && len(e.all) > 0 {
		start = e.all[len(e.all)-1].Position
	}

	var messages []eventstore.Message
	next := int64(-1)
	for i := len(e.all) - 1; i >= 0; i-- {
		env := e.all[i]
		if env.Position > start {
			continue
		}
		if len(messages) >= maxCount {
			break
		}
		messages = append(messages, toMessage(env))
		next = env.Position - 1
	}

	isEnd := next < 0

	return eventstore.ReadAllPage{
		FromPosition: fromPositionInclusive,
		NextPosition: next,
		IsEnd:        isEnd,
		Direction:    eventstore.Backwards,
		Messages:     messages,
	}, nil
}

// ReadStreamForwardsInternal implements eventstore.StorageEngine.
func (e *Engine) ReadStreamForwardsInternal(ctx context.Context, streamID eventstore.StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (eventstore.ReadStreamPage, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.ReadStreamPage{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices, ok := e.streams[string(streamID)]
	if !ok || len(indices) == 0 {
		return eventstore.ReadStreamPage{StreamID: streamID, Status: eventstore.ReadStreamNotFound, IsEnd: true}, nil
	}

	var messages []eventstore.Message
	next := fromVersionInclusive
	for v := fromVersionInclusive; v < int64(len(indices)) && len(messages) < maxCount; v++ {
		env := e.all[indices[v]]
		messages = append(messages, toMessage(env))
		next = v + 1
	}

	return eventstore.ReadStreamPage{
		StreamID:     streamID,
		Status:       eventstore.ReadStreamOK,
		FromVersion:  fromVersionInclusive,
		NextVersion:  next,
		LastVersion:  int64(len(indices)) - 1,
		LastPosition: e.all[indices[len(indices)-1]].Position,
		IsEnd:        next >= int64(len(indices)),
		Messages:     messages,
	}, nil
}

// ReadStreamBackwardsInternal implements eventstore.StorageEngine.
func (e *Engine) ReadStreamBackwardsInternal(ctx context.Context, streamID eventstore.StreamID, fromVersionInclusive int64, maxCount int, prefetch bool) (eventstore.ReadStreamPage, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.ReadStreamPage{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices, ok := e.streams[string(streamID)]
	if !ok || len(indices) == 0 {
		return eventstore.ReadStreamPage{StreamID: streamID, Status: eventstore.ReadStreamNotFound, IsEnd: true}, nil
	}

	start := fromVersionInclusive
	if start == -1 {
		start = int64(len(indices)) - 1
	}

	var messages []eventstore.Message
	next := int64(-1)
	for v := start; v >= 0 && len(messages) < maxCount; v-- {
		env := e.all[indices[v]]
		messages = append(messages, toMessage(env))
		next = v - 1
	}

	return eventstore.ReadStreamPage{
		StreamID:     streamID,
		Status:       eventstore.ReadStreamOK,
		FromVersion:  fromVersionInclusive,
		NextVersion:  next,
		LastVersion:  int64(len(indices)) - 1,
		LastPosition: e.all[indices[len(indices)-1]].Position,
		Direction:    eventstore.Backwards,
		IsEnd:        next < 0,
		Messages:     messages,
	}, nil
}

// ReadHeadPositionInternal implements eventstore.StorageEngine.
func (e *Engine) ReadHeadPositionInternal(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.all) == 0 {
		return -1, nil
	}
	return e.all[len(e.all)-1].Position, nil
}

// GetStreamMetadataInternal implements eventstore.StorageEngine.
func (e *Engine) GetStreamMetadataInternal(ctx context.Context, streamID eventstore.StreamID) (eventstore.StreamMetadataResult, error) {
	if err := ctx.Err(); err != nil {
		return eventstore.StreamMetadataResult{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.meta[string(streamID)]
	if !ok {
		return eventstore.StreamMetadataResult{StreamID: streamID}, nil
	}
	return eventstore.StreamMetadataResult{
		StreamID:              streamID,
		MetadataStreamVersion: m.metadataVer,
		MaxAgeSeconds:         m.maxAgeSecs,
		MaxCount:              m.maxCount,
		MetadataJSON:          m.metadataJSON,
	}, nil
}

// PurgeExpiredMessage implements eventstore.StorageEngine by deleting
// msg's stream version via DeleteMessage, leaving a gap in the
// all-stream.
func (e *Engine) PurgeExpiredMessage(ctx context.Context, msg eventstore.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.DeleteMessage(string(msg.StreamID), msg.StreamVersion)
}
