// Package eventstore implements the read path and subscription runtime
// that sits above a pluggable append-only storage engine: gap-tolerant
// forward all-stream reads, a max-age metadata cache with expiry
// filtering, a polling head-position notifier, and stream/all-stream
// subscriptions.
package eventstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamID identifies a stream. Identifiers beginning with "$" denote
// system streams and are exempt from metadata/expiry processing.
type StreamID string

// IsSystem reports whether id begins with "$", the legacy textual
// convention preserved bit-exactly for on-disk compatibility.
func (id StreamID) IsSystem() bool {
	return strings.HasPrefix(string(id), "$")
}

// DeletedStreamID is the well-known system stream where purged stream
// tombstones accumulate.
const DeletedStreamID StreamID = "$deleted"

// Direction is the order in which a read traverses messages.
type Direction int

const (
	Forwards Direction = iota
	Backwards
)

func (d Direction) String() string {
	if d == Backwards {
		return "backwards"
	}
	return "forwards"
}

// Message is a single immutable event. The JSON payload may be lazily
// fetched depending on the prefetch flag the read was made with;
// JSONData performs that on-demand fetch. JSONMetadata is always
// materialized.
type Message struct {
	StreamID      StreamID
	StreamVersion uint32
	Position      int64
	MessageID     uuid.UUID
	Type          string
	CreatedUTC    time.Time
	JSONMetadata  string

	// jsonData holds the eagerly-fetched payload when the read was made
	// with prefetch=true. When prefetch=false, dataLoader is set instead
	// and jsonData is populated lazily on first JSONData call.
	jsonData   string
	dataLoaded bool
	dataLoader func() (string, error)
}

// NewPrefetchedMessage builds a Message whose JSON payload is already
// materialized.
func NewPrefetchedMessage(streamID StreamID, version uint32, position int64, id uuid.UUID, typ string, created time.Time, metadata, data string) Message {
	return Message{
		StreamID:      streamID,
		StreamVersion: version,
		Position:      position,
		MessageID:     id,
		Type:          typ,
		CreatedUTC:    created,
		JSONMetadata:  metadata,
		jsonData:      data,
		dataLoaded:    true,
	}
}

// NewDeferredMessage builds a Message whose JSON payload is fetched
// on demand via loader, for reads made with prefetch=false.
func NewDeferredMessage(streamID StreamID, version uint32, position int64, id uuid.UUID, typ string, created time.Time, metadata string, loader func() (string, error)) Message {
	return Message{
		StreamID:      streamID,
		StreamVersion: version,
		Position:      position,
		MessageID:     id,
		Type:          typ,
		CreatedUTC:    created,
		JSONMetadata:  metadata,
		dataLoader:    loader,
	}
}

// JSONData returns the message payload, fetching it on first access if
// the message was read with prefetch=false.
func (m *Message) JSONData() (string, error) {
	if m.dataLoaded {
		return m.jsonData, nil
	}
	if m.dataLoader == nil {
		return "", nil
	}
	data, err := m.dataLoader()
	if err != nil {
		return "", err
	}
	m.jsonData = data
	m.dataLoaded = true
	return m.jsonData, nil
}

// ReadStreamStatus is the outcome of a single-stream read.
type ReadStreamStatus int

const (
	ReadStreamOK ReadStreamStatus = iota
	ReadStreamNotFound
)

// ReadStreamPage is a page of a single-stream read.
type ReadStreamPage struct {
	StreamID     StreamID
	Status       ReadStreamStatus
	FromVersion  int64
	NextVersion  int64
	LastVersion  int64
	LastPosition int64
	Direction    Direction
	IsEnd        bool
	Messages     []Message
	MaxCount     int
	Prefetch     bool

	readNext func() (ReadStreamPage, error)
}

// ReadNext returns the page that logically follows this one under the
// same direction and options (invariant 5).
func (p ReadStreamPage) ReadNext() (ReadStreamPage, error) {
	if p.readNext == nil {
		return ReadStreamPage{}, nil
	}
	return p.readNext()
}

// ReadAllPage is a page of an all-stream read.
type ReadAllPage struct {
	FromPosition int64
	NextPosition int64
	IsEnd        bool
	Direction    Direction
	Messages     []Message
	MaxCount     int
	Prefetch     bool

	readNext func() (ReadAllPage, error)
}

// ReadNext returns the page that logically follows this one under the
// same direction and options (invariant 5).
func (p ReadAllPage) ReadNext() (ReadAllPage, error) {
	if p.readNext == nil {
		return ReadAllPage{}, nil
	}
	return p.readNext()
}

// StreamMetadataResult is the stored retention metadata for a stream.
type StreamMetadataResult struct {
	StreamID              StreamID
	MetadataStreamVersion int64
	MaxAgeSeconds         *uint32
	MaxCount              *uint32
	MetadataJSON          string
}
