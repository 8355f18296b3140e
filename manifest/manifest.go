// Package manifest reads the discovery manifest produced at build time: the
// module specifiers that define workflows, steps and serializable types,
// and the identities each of them registers.
//
// The runtime trusts the manifest to be complete. Verify checks it against
// the registries an engine was actually given, so a binary that forgot to
// register something fails at startup instead of on the first delivery.
package manifest

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/workflow"
)

// CurrentVersion is the manifest format written by Marshal.
const CurrentVersion = 1

// ErrInvalid is wrapped by every structural problem Validate reports.
var ErrInvalid = errors.New("manifest: invalid")

// ErrUnregistered is wrapped by every identity Verify could not find.
var ErrUnregistered = errors.New("manifest: identity not registered")

// Manifest maps module specifiers to the identities they define.
type Manifest struct {
	Version   int                 `yaml:"version" json:"version"`
	Workflows map[string][]string `yaml:"workflows,omitempty" json:"workflows,omitempty"`
	Steps     map[string][]string `yaml:"steps,omitempty" json:"steps,omitempty"`
	Classes   map[string][]string `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// Kind names one section of a manifest.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindStep     Kind = "step"
	KindClass    Kind = "class"
)

// Entry is one identity and the module that defines it.
type Entry struct {
	Kind     Kind
	Module   string
	Identity string
}

// Load reads a manifest file. JSON is accepted as well as YAML.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Version == 0 {
		m.Version = CurrentVersion
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes the manifest as YAML with sorted keys.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("manifest: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write stores the manifest at path, creating parent directories.
func (m *Manifest) Write(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Add records identity under module, keeping entries sorted and unique.
func (m *Manifest) Add(kind Kind, module, identity string) error {
	section, err := m.section(kind, true)
	if err != nil {
		return err
	}
	ids := section[module]
	if i, found := slices.BinarySearch(ids, identity); !found {
		section[module] = slices.Insert(ids, i, identity)
	}
	return nil
}

func (m *Manifest) section(kind Kind, create bool) (map[string][]string, error) {
	var p *map[string][]string
	switch kind {
	case KindWorkflow:
		p = &m.Workflows
	case KindStep:
		p = &m.Steps
	case KindClass:
		p = &m.Classes
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if *p == nil && create {
		*p = make(map[string][]string)
	}
	return *p, nil
}

// Entries lists every identity ordered by kind, module and identity.
func (m *Manifest) Entries() []Entry {
	var out []Entry
	for _, kind := range []Kind{KindWorkflow, KindStep, KindClass} {
		section, _ := m.section(kind, false)
		for module, ids := range section {
			for _, ident := range ids {
				out = append(out, Entry{Kind: kind, Module: module, Identity: ident})
			}
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(kindOrder(a.Kind), kindOrder(b.Kind)),
			strings.Compare(a.Module, b.Module),
			strings.Compare(a.Identity, b.Identity),
		)
	})
	return out
}

func kindOrder(k Kind) int {
	switch k {
	case KindWorkflow:
		return 0
	case KindStep:
		return 1
	default:
		return 2
	}
}

// Validate checks the manifest is well formed: a supported version,
// non-empty specifiers and identities, and no identity claimed twice
// within a kind.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, m.Version)
	}
	var errs []error
	owners := make(map[Kind]map[string]string)
	for _, e := range m.Entries() {
		switch {
		case strings.TrimSpace(e.Module) == "":
			errs = append(errs, fmt.Errorf("%w: %s %q has an empty module specifier", ErrInvalid, e.Kind, e.Identity))
			continue
		case strings.TrimSpace(e.Identity) == "":
			errs = append(errs, fmt.Errorf("%w: empty %s identity in %s", ErrInvalid, e.Kind, e.Module))
			continue
		}
		if owners[e.Kind] == nil {
			owners[e.Kind] = make(map[string]string)
		}
		if prev, dup := owners[e.Kind][e.Identity]; dup {
			if prev == e.Module {
				errs = append(errs, fmt.Errorf("%w: %s %q listed twice in %s", ErrInvalid, e.Kind, e.Identity, e.Module))
			} else {
				errs = append(errs, fmt.Errorf("%w: %s %q defined by both %s and %s", ErrInvalid, e.Kind, e.Identity, prev, e.Module))
			}
			continue
		}
		owners[e.Kind][e.Identity] = e.Module
	}
	return errors.Join(errs...)
}

// Registries are the registries a manifest is verified against. Nil
// registries skip their section.
type Registries struct {
	Workflows *workflow.Registry
	Steps     *step.Registry
	Serde     *serde.Registry
}

// Verify reports every manifest identity missing from its registry.
func (m *Manifest) Verify(r Registries) error {
	var errs []error
	for _, e := range m.Entries() {
		var ok bool
		switch e.Kind {
		case KindWorkflow:
			if r.Workflows == nil {
				continue
			}
			_, ok = r.Workflows.Get(e.Identity)
		case KindStep:
			if r.Steps == nil {
				continue
			}
			_, ok = r.Steps.Get(e.Identity)
		case KindClass:
			if r.Serde == nil {
				continue
			}
			ok = r.Serde.Has(e.Identity)
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s %q from %s", ErrUnregistered, e.Kind, e.Identity, e.Module))
		}
	}
	return errors.Join(errs...)
}
