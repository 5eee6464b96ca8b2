// Package funcconfig loads the function configuration file that maps
// user-facing function names to the numeric ids used on the engine wire.
// The configuration is immutable after load.
package funcconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var (
	ErrEmptyConfig   = errors.New("funcconfig: no function entries")
	ErrDuplicateName = errors.New("funcconfig: duplicate function name")
	ErrDuplicateID   = errors.New("funcconfig: duplicate function id")
)

// Entry describes one configured function.
type Entry struct {
	FuncName      string `json:"funcName"`
	FuncID        uint16 `json:"funcId"`
	IsGrpcService bool   `json:"grpcService,omitempty"`
	// GrpcMethods lists the service's method names. Method ids are assigned
	// from the position in this list.
	GrpcMethods []string `json:"grpcMethods,omitempty"`

	grpcMethodIDs map[string]uint16
}

// GrpcMethodID resolves a gRPC method name to its wire id.
func (e *Entry) GrpcMethodID(method string) (uint16, bool) {
	id, ok := e.grpcMethodIDs[method]
	return id, ok
}

// Config is the read-only lookup over all configured functions.
type Config struct {
	byName map[string]*Entry
	byID   map[uint16]*Entry
}

// Load reads and validates a function config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("funcconfig: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates raw JSON config contents.
func Parse(raw []byte) (*Config, error) {
	var entries []*Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("funcconfig: parse: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{
		byName: make(map[string]*Entry, len(entries)),
		byID:   make(map[uint16]*Entry, len(entries)),
	}
	for _, entry := range entries {
		if entry.FuncName == "" {
			return nil, errors.New("funcconfig: entry with empty funcName")
		}
		if entry.FuncID == 0 {
			return nil, fmt.Errorf("funcconfig: function %s has no funcId", entry.FuncName)
		}
		if _, exists := cfg.byName[entry.FuncName]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, entry.FuncName)
		}
		if _, exists := cfg.byID[entry.FuncID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, entry.FuncID)
		}
		if entry.IsGrpcService {
			entry.grpcMethodIDs = make(map[string]uint16, len(entry.GrpcMethods))
			for i, method := range entry.GrpcMethods {
				if _, exists := entry.grpcMethodIDs[method]; exists {
					return nil, fmt.Errorf("funcconfig: function %s repeats method %s", entry.FuncName, method)
				}
				entry.grpcMethodIDs[method] = uint16(i)
			}
		} else if len(entry.GrpcMethods) > 0 {
			return nil, fmt.Errorf("funcconfig: function %s lists grpcMethods but is not a grpcService", entry.FuncName)
		}
		cfg.byName[entry.FuncName] = entry
		cfg.byID[entry.FuncID] = entry
	}
	return cfg, nil
}

// FindByName resolves a function by its user-facing name.
func (c *Config) FindByName(name string) (*Entry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// FindByID resolves a function by its numeric id.
func (c *Config) FindByID(id uint16) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Names returns all configured function names.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}
