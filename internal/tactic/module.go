package tactic

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/trailhead-robotics/retrace/internal/graph"
)

// Module is one configurable processing step run by a pipeline stage.
// Modules mutate the frame's stage results in place and may dispatch
// background work to the executor, but must not block on it.
type Module interface {
	Name() string
	Run(f *Frame, g *graph.Graph, exec *TaskExecutor) error
}

// ModuleFactory builds a module from its raw JSON configuration block.
type ModuleFactory func(cfg json.RawMessage) (Module, error)

var (
	moduleMu  sync.RWMutex
	moduleReg = map[string]ModuleFactory{}
)

// RegisterModule installs a factory under a type name. Duplicate
// registration panics; it indicates two init paths claiming one name.
func RegisterModule(name string, f ModuleFactory) {
	moduleMu.Lock()
	defer moduleMu.Unlock()
	if _, dup := moduleReg[name]; dup {
		panic("tactic: duplicate module registration: " + name)
	}
	moduleReg[name] = f
}

// NewModule instantiates a registered module type.
func NewModule(name string, cfg json.RawMessage) (Module, error) {
	moduleMu.RLock()
	f, ok := moduleReg[name]
	moduleMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tactic: unknown module type %q", name)
	}
	m, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("tactic: configuring module %q: %w", name, err)
	}
	return m, nil
}

// RegisteredModules lists the known module type names, sorted.
func RegisteredModules() []string {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	names := make([]string, 0, len(moduleReg))
	for n := range moduleReg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
