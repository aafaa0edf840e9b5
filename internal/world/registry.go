package world

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// Registry maps component type names to their payload codecs. Types are
// registered once at startup; unknown names are rejected here, never at
// dispatch time.
type Registry struct {
	codecs map[string]*codec
}

type codec struct {
	prototype   reflect.Type
	schemaHash  string
	invalidates []string
}

// RegisterOption tweaks a component registration.
type RegisterOption func(*codec)

// WithInvalidates tags the component so every successful mutation of it
// broadcasts a query invalidation for the named query types.
func WithInvalidates(queries ...string) RegisterOption {
	return func(c *codec) {
		c.invalidates = append(c.invalidates, queries...)
	}
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]*codec)}
}

// Register records the payload shape for a component type name and derives
// its schema hash from the reflected JSON schema.
func (r *Registry) Register(name string, prototype any, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("register component: empty type name")
	}
	if prototype == nil {
		return fmt.Errorf("register component %q: nil prototype", name)
	}
	if _, exists := r.codecs[name]; exists {
		return fmt.Errorf("register component %q: already registered", name)
	}
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("register component %q: prototype must be a struct, got %s", name, t.Kind())
	}
	hash, err := schemaHashFor(t)
	if err != nil {
		return fmt.Errorf("register component %q: %w", name, err)
	}
	c := &codec{prototype: t, schemaHash: hash}
	for _, opt := range opts {
		opt(c)
	}
	r.codecs[name] = c
	return nil
}

// Known reports whether the type name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.codecs[name]
	return ok
}

// SchemaHash returns the hash clients must echo when mutating the type.
func (r *Registry) SchemaHash(name string) (string, bool) {
	c, ok := r.codecs[name]
	if !ok {
		return "", false
	}
	return c.schemaHash, true
}

// Invalidates returns the query types staled by writes to this component.
func (r *Registry) Invalidates(name string) []string {
	c, ok := r.codecs[name]
	if !ok {
		return nil
	}
	return c.invalidates
}

// Types returns every registered type name, sorted.
func (r *Registry) Types() []string {
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode validates a raw payload against the registered shape. Unknown
// fields and trailing data are rejected.
func (r *Registry) Decode(name string, payload json.RawMessage) error {
	c, ok := r.codecs[name]
	if !ok {
		return fmt.Errorf("decode component %q: unknown type", name)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	value := reflect.New(c.prototype).Interface()
	if err := dec.Decode(value); err != nil {
		return fmt.Errorf("decode component %q: %w", name, err)
	}
	if dec.More() {
		return fmt.Errorf("decode component %q: trailing data", name)
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return fmt.Errorf("decode component %q: trailing data", name)
	}
	return nil
}

func schemaHashFor(t reflect.Type) (string, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	schema := reflector.ReflectFromType(t)
	if schema == nil {
		return "", fmt.Errorf("failed to reflect schema")
	}
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
