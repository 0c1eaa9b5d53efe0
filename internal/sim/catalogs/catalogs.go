// Package catalogs loads the static attribute schemas the content catalog
// publishes for each entity kind. The sync core consumes validation rules
// only; asset binary data never passes through here.
package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Catalogs struct {
	Kinds KindCatalog
}

type KindCatalog struct {
	Names   []string
	Schemas map[string]*jsonschema.Schema
	Raw     map[string]string
	Digest  string
}

// Load reads <configDir>/kinds/<kind>.schema.json for every entity kind.
func Load(configDir string) (*Catalogs, error) {
	dir := filepath.Join(configDir, "kinds")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read kinds dir: %w", err)
	}

	raw := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".schema.json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		kind := strings.TrimSuffix(name, ".schema.json")
		raw[kind] = string(b)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no kind schemas in %s", dir)
	}
	return FromRaw(raw)
}

// FromRaw compiles a kind -> schema-source map. Used by Load and by tests.
func FromRaw(raw map[string]string) (*Catalogs, error) {
	kc := KindCatalog{
		Schemas: map[string]*jsonschema.Schema{},
		Raw:     map[string]string{},
	}
	names := make([]string, 0, len(raw))
	for kind := range raw {
		names = append(names, kind)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, kind := range names {
		src := raw[kind]
		s, err := jsonschema.CompileString(kind+".schema.json", src)
		if err != nil {
			return nil, fmt.Errorf("compile schema for kind %s: %w", kind, err)
		}
		kc.Schemas[kind] = s
		kc.Raw[kind] = src
		h.Write([]byte(kind))
		h.Write([]byte{0})
		h.Write([]byte(src))
		h.Write([]byte{0})
	}
	kc.Names = names
	kc.Digest = hex.EncodeToString(h.Sum(nil))
	return &Catalogs{Kinds: kc}, nil
}

// Builtin returns the default avatar/object/asset schemas. Fresh worlds and
// tests run on these when no catalog directory is configured.
func Builtin() *Catalogs {
	c, err := FromRaw(map[string]string{
		"avatar": `{
			"type": "object",
			"properties": {
				"display_name": {"type": "string", "maxLength": 64},
				"attachment_points": {"type": "array", "items": {"type": "string"}}
			},
			"additionalProperties": true
		}`,
		"object": `{
			"type": "object",
			"properties": {
				"model": {"type": "string"},
				"interactable": {"type": "boolean"}
			},
			"additionalProperties": true
		}`,
		"economic-asset": `{
			"type": "object",
			"required": ["asset_id"],
			"properties": {
				"asset_id": {"type": "string", "minLength": 1},
				"display_name": {"type": "string"}
			},
			"additionalProperties": true
		}`,
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks kind-specific attributes against the catalog schema.
func (c *Catalogs) Validate(kind string, attrs map[string]interface{}) error {
	s, ok := c.Kinds.Schemas[kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	v := map[string]interface{}{}
	for k, val := range attrs {
		v[k] = val
	}
	if err := s.Validate(interface{}(v)); err != nil {
		return fmt.Errorf("kind %s: %w", kind, err)
	}
	return nil
}

func (c *Catalogs) HasKind(kind string) bool {
	_, ok := c.Kinds.Schemas[kind]
	return ok
}
