package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dhima/ledger-bus/internal/cache"
	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/ratelimit"
	"github.com/dhima/ledger-bus/internal/session"
)

var (
	// ErrUnknownTool is returned for a tool name nobody registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrKeyNotReadable is returned when a client asks for a key in a
	// server-private namespace.
	ErrKeyNotReadable = errors.New("key is not readable")
)

// PrivateCachePrefixes are the namespaces the server keeps its own state in.
// Relay clients never see them.
var PrivateCachePrefixes = []string{session.KeyPrefix, ratelimit.KeyPrefix}

// ToolExecutor runs a named tool with JSON arguments.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ToolFunc implements one tool.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tools is a ToolExecutor backed by a name to function map.
type Tools struct {
	mu    sync.RWMutex
	funcs map[string]ToolFunc
}

func NewTools() *Tools {
	return &Tools{funcs: make(map[string]ToolFunc)}
}

// Register binds fn to name, replacing any earlier binding.
func (t *Tools) Register(name string, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
}

// Names lists registered tools in order.
func (t *Tools) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.funcs))
	for name := range t.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Tools) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t.mu.RLock()
	fn, ok := t.funcs[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return fn(ctx, args)
}

// HistoryReader is the part of the event bus the history tool needs.
type HistoryReader interface {
	GetEvents(ctx context.Context, q events.Query) ([]events.Event, error)
}

type historyArgs struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Limit  int    `json:"limit"`
}

// HistoryTool returns recent events, newest first.
func HistoryTool(bus HistoryReader) ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args historyArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return bus.GetEvents(ctx, events.Query{Type: args.Type, Source: args.Source, Limit: args.Limit})
	}
}

type cacheGetArgs struct {
	Key string `json:"key"`
}

// CacheGetTool reads one cache key. Absent keys yield a null value. Keys
// starting with any of the private prefixes are refused.
func CacheGetTool(c cache.Cache, private ...string) ToolFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args cacheGetArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Key == "" {
			return nil, errors.New("key is required")
		}
		for _, prefix := range private {
			if strings.HasPrefix(args.Key, prefix) {
				return nil, fmt.Errorf("%w: %s", ErrKeyNotReadable, args.Key)
			}
		}
		value, err := c.Get(ctx, args.Key)
		if err != nil {
			return nil, err
		}
		if value == nil {
			value = json.RawMessage("null")
		}
		return map[string]any{"key": args.Key, "value": value}, nil
	}
}

// DefaultTools registers the built-in tools.
func DefaultTools(bus HistoryReader, c cache.Cache) *Tools {
	t := NewTools()
	t.Register("events.history", HistoryTool(bus))
	if c != nil {
		t.Register("cache.get", CacheGetTool(c, PrivateCachePrefixes...))
	}
	return t
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
