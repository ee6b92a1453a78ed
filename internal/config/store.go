// Package config provides the keyed, read-only configuration store and the
// typed views built on top of it.
//
// A Store holds every TOML and YAML file of one directory. Values are
// addressed by file name (without extension), section and option. An empty
// section addresses top-level options.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type format int

const (
	formatTOML format = iota
	formatYAML
)

type file struct {
	path   string
	format format
	raw    []byte
	tree   map[string]any
}

// Store is the loaded configuration directory. It is safe for concurrent
// reads; nothing mutates it after Load.
type Store struct {
	dir   string
	files map[string]*file
}

// Load reads every *.toml, *.yaml and *.yml file in dir. A missing directory
// yields an empty store so that defaults apply.
func Load(dir string) (*Store, error) {
	s := &Store{dir: dir, files: make(map[string]*file)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading config dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		var f format
		switch ext {
		case ".toml":
			f = formatTOML
		case ".yaml", ".yml":
			f = formatYAML
		default:
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if prev, dup := s.files[name]; dup {
			return nil, fmt.Errorf("config %s defined twice: %s and %s", name, filepath.Base(prev.path), e.Name())
		}
		loaded, err := loadFile(filepath.Join(dir, e.Name()), f)
		if err != nil {
			return nil, err
		}
		s.files[name] = loaded
	}
	return s, nil
}

func loadFile(path string, f format) (*file, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	tree := make(map[string]any)
	switch f {
	case formatTOML:
		if _, err := toml.Decode(string(raw), &tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case formatYAML:
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return &file{path: path, format: f, raw: raw, tree: tree}, nil
}

// Dir is the directory the store was loaded from.
func (s *Store) Dir() string { return s.dir }

// Files lists the loaded file names, sorted.
func (s *Store) Files() []string {
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the named file was loaded.
func (s *Store) Has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// Get returns the raw value at file/section/option.
func (s *Store) Get(name, section, option string) (any, bool) {
	f, ok := s.files[name]
	if !ok {
		return nil, false
	}
	table := f.tree
	if section != "" {
		sub, ok := table[section].(map[string]any)
		if !ok {
			return nil, false
		}
		table = sub
	}
	v, ok := table[option]
	return v, ok
}

// String returns the option as a string or def.
func (s *Store) String(name, section, option, def string) string {
	v, ok := s.Get(name, section, option)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// Int returns the option as an int or def. Strings holding integers are
// accepted.
func (s *Store) Int(name, section, option string, def int) (int, error) {
	v, ok := s.Get(name, section, option)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return def, fmt.Errorf("%s: not an integer: %v", key(name, section, option), n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return def, fmt.Errorf("%s: %w", key(name, section, option), err)
		}
		return i, nil
	}
	return def, fmt.Errorf("%s: want integer, got %T", key(name, section, option), v)
}

// Bool returns the option as a bool or def.
func (s *Store) Bool(name, section, option string, def bool) (bool, error) {
	v, ok := s.Get(name, section, option)
	if !ok {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return def, fmt.Errorf("%s: %w", key(name, section, option), err)
		}
		return parsed, nil
	}
	return def, fmt.Errorf("%s: want bool, got %T", key(name, section, option), v)
}

// Duration returns the option as a duration or def. Strings use Go duration
// syntax; bare numbers are seconds.
func (s *Store) Duration(name, section, option string, def time.Duration) (time.Duration, error) {
	v, ok := s.Get(name, section, option)
	if !ok {
		return def, nil
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return def, fmt.Errorf("%s: %w", key(name, section, option), err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	}
	return def, fmt.Errorf("%s: want duration, got %T", key(name, section, option), v)
}

// Strings returns the option as a string list or def.
func (s *Store) Strings(name, section, option string, def []string) ([]string, error) {
	v, ok := s.Get(name, section, option)
	if !ok {
		return def, nil
	}
	list, ok := v.([]any)
	if !ok {
		return def, fmt.Errorf("%s: want list, got %T", key(name, section, option), v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}

// Decode unmarshals a whole file into v using the file's own format.
// Struct fields need both toml and yaml tags.
func (s *Store) Decode(name string, v any) error {
	f, ok := s.files[name]
	if !ok {
		return fmt.Errorf("config %s not found in %s", name, s.dir)
	}
	switch f.format {
	case formatTOML:
		md, err := toml.Decode(string(f.raw), v)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", f.path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decoding %s: unknown keys %v", f.path, undecoded)
		}
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(f.raw))
		dec.KnownFields(true)
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decoding %s: %w", f.path, err)
		}
	}
	return nil
}

func key(name, section, option string) string {
	if section == "" {
		return name + "." + option
	}
	return name + "." + section + "." + option
}

// Duration is a time.Duration that decodes from Go duration strings in both
// TOML and YAML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
