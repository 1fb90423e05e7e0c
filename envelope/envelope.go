package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// ErrPayloadUnavailable is returned when a file backed payload cannot be read
var ErrPayloadUnavailable = errors.New("envelope: payload unavailable")

// Envelope is the protocol independent message handed between pipelines and the broker
// client. The payload is either held in memory or backed by a file for large messages.
type Envelope struct {
	id       string
	payload  []byte
	file     string
	spooled  bool
	encoding string
	metadata *Metadata

	mu      sync.RWMutex
	objects map[string]interface{}
}

// Option configures an envelope at construction time
type Option func(*Envelope)

// WithID sets a custom envelope ID
func WithID(id string) Option {
	return func(e *Envelope) {
		e.id = id
	}
}

// WithEncoding sets the declared payload encoding
func WithEncoding(encoding string) Option {
	return func(e *Envelope) {
		e.encoding = encoding
	}
}

// WithMetadata seeds metadata in the order given
func WithMetadata(pairs ...string) Option {
	return func(e *Envelope) {
		for i := 0; i+1 < len(pairs); i += 2 {
			e.metadata.Set(pairs[i], pairs[i+1])
		}
	}
}

// New creates an in-memory envelope. The payload is copied.
func New(payload []byte, opts ...Option) *Envelope {
	e := &Envelope{
		id:       uuid.New().String(),
		payload:  append([]byte(nil), payload...),
		metadata: NewMetadata(),
		objects:  make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewString is a convenience for text payloads
func NewString(payload string, opts ...Option) *Envelope {
	return New([]byte(payload), opts...)
}

// NewFileBacked creates an envelope whose payload lives in the file at path.
// The file is read lazily on every access and written through PayloadWriter.
func NewFileBacked(path string, opts ...Option) *Envelope {
	e := New(nil, opts...)
	e.file = path
	return e
}

// NewSpooled creates a file backed envelope that owns the file at path. Release
// removes the file.
func NewSpooled(path string, opts ...Option) *Envelope {
	e := NewFileBacked(path, opts...)
	e.spooled = true
	return e
}

// Release removes a spooled payload file. Envelopes that do not own their file are left
// untouched. Releasing twice is a no-op.
func (e *Envelope) Release() error {
	if !e.spooled {
		return nil
	}
	e.spooled = false
	if err := os.Remove(e.file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ID returns the unique id
func (e *Envelope) ID() string {
	return e.id
}

// FileBacked reports whether the payload is stored on disk
func (e *Envelope) FileBacked() bool {
	return e.file != ""
}

// Payload returns the complete payload
func (e *Envelope) Payload() ([]byte, error) {
	if e.file == "" {
		return e.payload, nil
	}
	data, err := os.ReadFile(e.file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadUnavailable, err)
	}
	return data, nil
}

// StringPayload returns the payload as a string, empty if it cannot be read
func (e *Envelope) StringPayload() string {
	data, err := e.Payload()
	if err != nil {
		return ""
	}
	return string(data)
}

// SetPayload replaces the payload
func (e *Envelope) SetPayload(payload []byte) error {
	if e.file == "" {
		e.payload = append([]byte(nil), payload...)
		return nil
	}
	return os.WriteFile(e.file, payload, 0o600)
}

// Size returns the payload size in bytes, -1 if a file backed payload cannot be inspected
func (e *Envelope) Size() int64 {
	if e.file == "" {
		return int64(len(e.payload))
	}
	info, err := os.Stat(e.file)
	if err != nil {
		return -1
	}
	return info.Size()
}

// PayloadReader opens a reader over the payload
func (e *Envelope) PayloadReader() (io.ReadCloser, error) {
	if e.file == "" {
		return io.NopCloser(bytes.NewReader(e.payload)), nil
	}
	f, err := os.Open(e.file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadUnavailable, err)
	}
	return f, nil
}

// PayloadWriter returns a writer that replaces the payload once closed
func (e *Envelope) PayloadWriter() (io.WriteCloser, error) {
	if e.file == "" {
		return &memoryWriter{target: e}, nil
	}
	return os.Create(e.file)
}

// Encoding returns the declared payload encoding
func (e *Envelope) Encoding() string {
	return e.encoding
}

// SetEncoding sets the declared payload encoding
func (e *Envelope) SetEncoding(encoding string) {
	e.encoding = encoding
}

// Metadata returns the ordered metadata
func (e *Envelope) Metadata() *Metadata {
	return e.metadata
}

// AddMetadata sets a metadata value
func (e *Envelope) AddMetadata(key, value string) {
	e.metadata.Set(key, value)
}

// MetadataValue returns the value for key, empty when absent
func (e *Envelope) MetadataValue(key string) string {
	v, _ := e.metadata.Get(key)
	return v
}

// HasMetadata reports whether key is present
func (e *Envelope) HasMetadata(key string) bool {
	_, ok := e.metadata.Get(key)
	return ok
}

// RemoveMetadata deletes key
func (e *Envelope) RemoveMetadata(key string) {
	e.metadata.Delete(key)
}

// AddObject attaches a transient attribute. Objects are never sent over the wire.
func (e *Envelope) AddObject(key string, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects[key] = value
}

// Object returns a transient attribute
func (e *Envelope) Object(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.objects[key]
	return v, ok
}

type memoryWriter struct {
	target *Envelope
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.target.payload = w.buf.Bytes()
	return nil
}
