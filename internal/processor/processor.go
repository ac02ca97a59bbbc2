// Package processor post-processes script output with named, chainable
// line processors.
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	TypeTrim         = "trim"
	TypeKeyValue     = "key_value"
	TypeKeyValueJSON = "key_value_json"
	TypeFields       = "fields"
	TypeDropEmpty    = "drop_empty"
)

type Processor interface {
	Process([]string) ([]string, error)
	Name() string
}

// Chain holds registered processors and applies them by name, in order.
type Chain struct {
	processors map[string]Processor
}

func NewChain() *Chain {
	c := &Chain{processors: make(map[string]Processor)}
	c.Register(TrimProcessor{})
	c.Register(KeyValueProcessor{})
	c.Register(KeyValueJSONProcessor{})
	c.Register(FieldsProcessor{})
	c.Register(DropEmptyProcessor{})
	return c
}

func (c *Chain) Register(p Processor) {
	c.processors[p.Name()] = p
}

// Validate reports the first name that is not registered.
func (c *Chain) Validate(names ...string) error {
	for _, name := range names {
		if _, ok := c.processors[name]; !ok {
			return fmt.Errorf("processor %q not registered", name)
		}
	}
	return nil
}

func (c *Chain) Process(lines []string, names ...string) ([]string, error) {
	if err := c.Validate(names...); err != nil {
		return nil, err
	}
	result := lines
	for _, name := range names {
		if len(result) == 0 {
			break
		}
		var err error
		if result, err = c.processors[name].Process(result); err != nil {
			return nil, fmt.Errorf("%s processor failed: %w", name, err)
		}
	}
	return result, nil
}

type TrimProcessor struct{}

func (TrimProcessor) Name() string { return TypeTrim }

func (TrimProcessor) Process(lines []string) ([]string, error) {
	trimmed := make([]string, len(lines))
	for i, line := range lines {
		trimmed[i] = strings.TrimSpace(line)
	}
	return trimmed, nil
}

// parseKeyValueLines reads "key: value" lines, skipping lines without a colon.
func parseKeyValueLines(lines []string) (map[string]string, error) {
	kv := make(map[string]string)
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = strings.TrimSpace(value)
	}
	return kv, nil
}

func sortedKeys(kv map[string]string) []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeyValueProcessor normalizes "key: value" lines, sorted by key. A repeated key keeps its last value.
type KeyValueProcessor struct{}

func (KeyValueProcessor) Name() string { return TypeKeyValue }

func (KeyValueProcessor) Process(lines []string) ([]string, error) {
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(kv))
	for _, k := range sortedKeys(kv) {
		result = append(result, k+": "+kv[k])
	}
	return result, nil
}

// KeyValueJSONProcessor folds "key: value" lines into a single JSON object line.
type KeyValueJSONProcessor struct{}

func (KeyValueJSONProcessor) Name() string { return TypeKeyValueJSON }

func (KeyValueJSONProcessor) Process(lines []string) ([]string, error) {
	kv, err := parseKeyValueLines(lines)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("key_value marshal error: %w", err)
	}
	return []string{string(out)}, nil
}

// FieldsProcessor splits every line on whitespace.
type FieldsProcessor struct{}

func (FieldsProcessor) Name() string { return TypeFields }

func (FieldsProcessor) Process(lines []string) ([]string, error) {
	result := make([]string, 0, len(lines)*3)
	for _, line := range lines {
		result = append(result, strings.Fields(line)...)
	}
	return result, nil
}

type DropEmptyProcessor struct{}

func (DropEmptyProcessor) Name() string { return TypeDropEmpty }

func (DropEmptyProcessor) Process(lines []string) ([]string, error) {
	result := lines[:0:0]
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			result = append(result, line)
		}
	}
	return result, nil
}
