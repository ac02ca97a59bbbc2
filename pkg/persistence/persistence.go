// Package persistence stores run results. Results can be written as JSON
// files, upserted into MongoDB, or fanned out to several sinks at once.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	dm "github.com/andrej220/linen/pkg/shared-models"
)

const (
	indent = "    "
	prefix = ""
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// WriteJSONToFile persists data to filename using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON writes data with overwrite enabled and 4-space indent.
func WriteJSON(data any, filename string) error {
	return WriteJSONToFile(data, filename, JSONSerializer{Prefix: prefix, Indent: indent}, FileWriter{Overwrite: true})
}

// JSONFileSink writes every result to <Dir>/<run_id>_<node>.json.
type JSONFileSink struct {
	Dir        string
	Serializer Serializer
	Writer     Writer
}

func NewJSONFileSink(dir string) *JSONFileSink {
	return &JSONFileSink{
		Dir:        dir,
		Serializer: JSONSerializer{Prefix: prefix, Indent: indent},
		Writer:     FileWriter{Overwrite: true},
	}
}

func (s *JSONFileSink) Path(res dm.Result) string {
	return filepath.Join(s.Dir, res.Key()+".json")
}

func (s *JSONFileSink) Save(ctx context.Context, res dm.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteJSONToFile(res, s.Path(res), s.Serializer, s.Writer)
}
