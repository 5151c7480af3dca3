// Package messaging maps typed values to the (Type, Data) pairs persisted in
// outbox, inbox and internal command rows.
//
// Every persisted type is registered explicitly with a name and a version;
// the stored type tag is "<name>.v<version>". Old versions stay registered so
// rows written before an upgrade still decode.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrUnknownType       = errors.New("messaging: unknown type")
	ErrAlreadyRegistered = errors.New("messaging: type already registered")
)

// Codec converts between a value and its serialized form.
type Codec struct {
	Encode func(v any) ([]byte, error)
	Decode func(data []byte) (any, error)
}

type entry struct {
	tag    string
	goType reflect.Type
	codec  Codec
}

type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]entry
	byType map[reflect.Type]entry
}

func NewRegistry() *Registry {
	return &Registry{
		byTag:  make(map[string]entry),
		byType: make(map[reflect.Type]entry),
	}
}

// Tag builds the stored type tag.
func Tag(name string, version int) string {
	return fmt.Sprintf("%s.v%d", name, version)
}

// Register binds *T to name/version using its JSON field tags.
func Register[T any](r *Registry, name string, version int) error {
	return r.RegisterCodec(reflect.TypeOf((**T)(nil)).Elem(), name, version, JSONCodec[T]())
}

// MustRegister panics on error. Use it for package-level wiring only.
func MustRegister[T any](r *Registry, name string, version int) {
	if err := Register[T](r, name, version); err != nil {
		panic(err)
	}
}

// RegisterDecoder registers a legacy version that only needs to decode, for
// instance to upcast into the current struct.
func RegisterDecoder(r *Registry, name string, version int, decode func(data []byte) (any, error)) error {
	tag := Tag(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, tag)
	}
	r.byTag[tag] = entry{tag: tag, codec: Codec{Decode: decode}}
	return nil
}

// RegisterCodec is the untyped form of Register.
func (r *Registry) RegisterCodec(goType reflect.Type, name string, version int, codec Codec) error {
	tag := Tag(name, version)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byTag[tag]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, tag)
	}
	if prev, ok := r.byType[goType]; ok {
		return fmt.Errorf("%w: %s already bound to %s", ErrAlreadyRegistered, goType, prev.tag)
	}

	e := entry{tag: tag, goType: goType, codec: codec}
	r.byTag[tag] = e
	r.byType[goType] = e
	return nil
}

// Encode returns the type tag and payload for v.
func (r *Registry) Encode(v any) (string, []byte, error) {
	r.mu.RLock()
	e, ok := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}

	data, err := e.codec.Encode(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", e.tag, err)
	}
	return e.tag, data, nil
}

// Decode rebuilds the value stored under tag.
func (r *Registry) Decode(tag string, data []byte) (any, error) {
	r.mu.RLock()
	e, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}

	v, err := e.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return v, nil
}

// Known reports whether tag can be decoded.
func (r *Registry) Known(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTag[tag]
	return ok
}

// TagOf returns the tag registered for v's type.
func (r *Registry) TagOf(v any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byType[reflect.TypeOf(v)]
	return e.tag, ok
}

// Tags lists every decodable tag.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		out = append(out, t)
	}
	return out
}

// JSONCodec serializes *T through encoding/json.
func JSONCodec[T any]() Codec {
	return Codec{
		Encode: func(v any) ([]byte, error) {
			t, ok := v.(*T)
			if !ok || t == nil {
				return nil, fmt.Errorf("expected non-nil %s, got %T", reflect.TypeOf((**T)(nil)).Elem(), v)
			}
			return json.Marshal(t)
		},
		Decode: func(data []byte) (any, error) {
			t := new(T)
			if err := json.Unmarshal(data, t); err != nil {
				return nil, err
			}
			return t, nil
		},
	}
}
