package httpwire

import (
	"bytes"
	"io"
	"sync"
)

// EntityKind is the framing variant of a message body.
type EntityKind int

const (
	// EntityStrict is a fully materialized buffer of known length.
	EntityStrict EntityKind = iota
	// EntitySized is a lazy stream of exactly Content-Length bytes.
	EntitySized
	// EntityChunked is a lazy stream of length-prefixed chunks.
	EntityChunked
	// EntityCloseDelimited is a lazy stream terminated only by
	// transport close; the carrying connection cannot be reused.
	EntityCloseDelimited
)

func (k EntityKind) String() string {
	switch k {
	case EntityStrict:
		return "strict"
	case EntitySized:
		return "sized"
	case EntityChunked:
		return "chunked"
	case EntityCloseDelimited:
		return "close-delimited"
	default:
		return "unknown"
	}
}

// Entity is a message body stream. Reads are pull-based: no bytes are
// taken off the wire beyond the decoder's bounded buffer until the
// consumer asks, which is the engine's backpressure mechanism.
//
// An Entity is consumed exactly once. Reading after Close fails with
// ErrEntityConsumed. Close on a Sized or Chunked entity drains the
// remainder so the connection stays reusable; Close on a
// CloseDelimited entity disposes the connection.
type Entity interface {
	io.ReadCloser
	Kind() EntityKind
	// Length is the declared byte length, or -1 when the stream's
	// length is not known up front.
	Length() int64
}

// NewStrictEntity wraps an in-memory buffer as a strict entity.
func NewStrictEntity(b []byte) Entity {
	return &strictEntity{r: bytes.NewReader(b), size: int64(len(b))}
}

// NewSizedEntity wraps r as a sized entity of exactly n bytes.
func NewSizedEntity(r io.Reader, n int64) Entity {
	return newStreamEntity(EntitySized, n, io.NopCloser(io.LimitReader(r, n)), nil, nil)
}

// NewChunkedEntity wraps r as a body of unknown length; the codec
// applies chunked framing when it hits the wire.
func NewChunkedEntity(r io.Reader) Entity {
	return newStreamEntity(EntityChunked, -1, io.NopCloser(r), nil, nil)
}

// NewCloseDelimitedEntity wraps r as a body terminated only by stream
// end. Responses carrying one preclude connection reuse.
func NewCloseDelimitedEntity(r io.Reader) Entity {
	return newStreamEntity(EntityCloseDelimited, -1, io.NopCloser(r), nil, nil)
}

type strictEntity struct {
	r        *bytes.Reader
	size     int64
	consumed bool
}

func (e *strictEntity) Kind() EntityKind { return EntityStrict }
func (e *strictEntity) Length() int64    { return e.size }

func (e *strictEntity) Read(p []byte) (int, error) {
	if e.consumed {
		return 0, ErrEntityConsumed
	}
	return e.r.Read(p)
}

func (e *strictEntity) Close() error {
	e.consumed = true
	return nil
}

// streamEntity adapts a decoded wire body. done fires exactly once
// when the stream finishes; its argument reports whether the carrying
// connection is still reusable.
type streamEntity struct {
	kind     EntityKind
	length   int64
	rc       io.ReadCloser
	done     func(reusable bool)
	mapErr   func(error) error
	once     sync.Once
	consumed bool
}

func newStreamEntity(kind EntityKind, length int64, rc io.ReadCloser, done func(bool), mapErr func(error) error) *streamEntity {
	return &streamEntity{kind: kind, length: length, rc: rc, done: done, mapErr: mapErr}
}

func (e *streamEntity) Kind() EntityKind { return e.kind }
func (e *streamEntity) Length() int64    { return e.length }

func (e *streamEntity) Read(p []byte) (int, error) {
	if e.consumed {
		return 0, ErrEntityConsumed
	}
	n, err := e.rc.Read(p)
	switch {
	case err == io.EOF:
		e.finish(e.kind != EntityCloseDelimited)
	case err != nil:
		e.finish(false)
		if e.mapErr != nil {
			err = e.mapErr(err)
		}
	}
	return n, err
}

// Close cancels or completes consumption. For Sized and Chunked
// entities the remainder is drained so the connection can carry the
// next exchange; a drain failure, or a CloseDelimited body, forfeits
// the connection instead.
func (e *streamEntity) Close() error {
	if e.consumed {
		return nil
	}
	e.consumed = true
	if e.kind == EntityCloseDelimited {
		e.finish(false)
		return e.rc.Close()
	}
	err := e.rc.Close()
	if err != nil {
		e.finish(false)
		if e.mapErr != nil {
			err = e.mapErr(err)
		}
		return err
	}
	e.finish(true)
	return nil
}

func (e *streamEntity) finish(reusable bool) {
	e.once.Do(func() {
		if e.done != nil {
			e.done(reusable)
		}
	})
}

// EntityTrailer returns trailer headers decoded after a chunked
// entity's terminal chunk. It is nil until the entity has been fully
// consumed, and always nil for other kinds.
func EntityTrailer(e Entity) Header {
	type trailerer interface{ Trailer() map[string][]string }
	se, ok := e.(*streamEntity)
	if !ok {
		return nil
	}
	if t, ok := se.rc.(trailerer); ok {
		return Header(t.Trailer())
	}
	return nil
}
