package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"ordex/internal/logger"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// queueSchema rejects structurally broken queue files before any record is
// acted on. Extra per-record fields are allowed so newer builds can extend
// records without breaking older files.
const queueSchema = `{
  "type": "object",
  "patternProperties": {
    "^[0-9]+$": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "symbol": {"type": "string", "minLength": 1},
          "quantity": {"type": "integer", "minimum": 1},
          "action": {"type": "string", "minLength": 1},
          "dry_run": {"type": "boolean"},
          "limit_price": {"type": ["number", "string"]},
          "status": {"type": "string"},
          "scheduled_at": {"type": "string"},
          "created_at": {"type": "string"},
          "detail": {"type": "string"}
        },
        "required": ["symbol", "quantity", "action"]
      }
    }
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledQueueSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("queue.json", strings.NewReader(queueSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("queue.json")
	})
	return schemaCompiled, schemaErr
}

// FileStore persists the queue as one JSON document. Group ids are ints in
// memory and strings on disk. Every mutation goes through Update, which
// serializes writers and rewrites the file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns a copy of the on-disk queue. A missing file is an empty queue.
func (s *FileStore) Load() (map[int][]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Update runs fn over the freshly loaded queue and persists the result. fn
// mutates groups in place; returning an error abandons the write.
func (s *FileStore) Update(fn func(groups map[int][]Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(groups); err != nil {
		return err
	}
	return s.save(groups)
}

func (s *FileStore) load() (map[int][]Record, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[int][]Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read order queue failed: %w", err)
	}
	if len(raw) == 0 {
		return map[int][]Record{}, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse order queue failed: %w", err)
	}
	schema, err := compiledQueueSchema()
	if err != nil {
		return nil, fmt.Errorf("compile queue schema failed: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("order queue %s is malformed: %w", s.path, err)
	}

	var byKey map[string][]Record
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("decode order queue failed: %w", err)
	}

	groups := make(map[int][]Record, len(byKey))
	for key, records := range byKey {
		group, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("order queue group key %q is not numeric", key)
		}
		groups[group] = records
	}
	return groups, nil
}

// save rewrites the whole document through a temp file in the same directory
// so a crash mid-write never leaves a torn queue behind.
func (s *FileStore) save(groups map[int][]Record) error {
	byKey := make(map[string][]Record, len(groups))
	for group, records := range groups {
		if len(records) == 0 {
			continue
		}
		byKey[strconv.Itoa(group)] = records
	}

	raw, err := json.MarshalIndent(byKey, "", "  ")
	if err != nil {
		return fmt.Errorf("encode order queue failed: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".order_queue-*.json")
	if err != nil {
		return fmt.Errorf("create queue temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write queue temp file failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync queue temp file failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close queue temp file failed: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace order queue failed: %w", err)
	}
	logger.Debugf("order queue saved: %d groups -> %s", len(byKey), s.path)
	return nil
}
