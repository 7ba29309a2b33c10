package memorystore

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// snapshotEntry is the JSON/CSV row shape for one persisted key: the
// namespace/key pair plus a type tag so round-tripping through CSV's
// text-only cells preserves primitive, array, and object value types.
type snapshotEntry struct {
	Namespace string `json:"namespace" csv:"namespace"`
	Key       string `json:"key" csv:"key"`
	Type      string `json:"type" csv:"type"`
	Value     any    `json:"value" csv:"value"`
}

// DumpJSON writes every entry to path as a JSON array snapshot.
func (s *Store) DumpJSON(path string) error {
	s.mu.Lock()
	entries := s.snapshot()
	s.mu.Unlock()

	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", path, err)
	}
	return nil
}

// LoadJSON replaces the store's contents with the snapshot at path.
func (s *Store) LoadJSON(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", path, err)
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return fmt.Errorf("memory: unmarshal %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[entryKey]any, len(entries))
	for _, e := range entries {
		s.entries[k(e.Namespace, e.Key)] = e.Value
	}
	return nil
}

// DumpCSV writes every entry to path as namespace,key,type,value rows.
// Arrays and objects are stored as their JSON text in the value column
// and reparsed on load per the Type tag, so round-tripping a CSV
// snapshot preserves structured values despite CSV's text-only cells.
func (s *Store) DumpCSV(path string) error {
	s.mu.Lock()
	entries := s.snapshot()
	s.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("memory: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"namespace", "key", "type", "value"}); err != nil {
		return err
	}
	for _, e := range entries {
		valText, typ, err := encodeCSVValue(e.Value)
		if err != nil {
			return fmt.Errorf("memory: encode %s/%s: %w", e.Namespace, e.Key, err)
		}
		if err := w.Write([]string{e.Namespace, e.Key, typ, valText}); err != nil {
			return err
		}
	}
	return w.Error()
}

// LoadCSV replaces the store's contents with the CSV snapshot at path.
func (s *Store) LoadCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[entryKey]any)
	for _, row := range rows[1:] { // skip header
		if len(row) != 4 {
			continue
		}
		namespace, key, typ, valText := row[0], row[1], row[2], row[3]
		v, err := decodeCSVValue(typ, valText)
		if err != nil {
			return fmt.Errorf("memory: decode %s/%s: %w", namespace, key, err)
		}
		s.entries[k(namespace, key)] = v
	}
	return nil
}

// snapshot must be called with s.mu held.
func (s *Store) snapshot() []snapshotEntry {
	out := make([]snapshotEntry, 0, len(s.entries))
	for ek, v := range s.entries {
		out = append(out, snapshotEntry{Namespace: ek.namespace, Key: ek.key, Value: v})
	}
	return out
}

func encodeCSVValue(v any) (text, typ string, err error) {
	switch t := v.(type) {
	case string:
		return t, "string", nil
	case bool:
		return strconv.FormatBool(t), "bool", nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), "number", nil
	case int:
		return strconv.Itoa(t), "number", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return string(b), "json", nil
	}
}

func decodeCSVValue(typ, text string) (any, error) {
	switch typ {
	case "string":
		return text, nil
	case "bool":
		return strconv.ParseBool(text)
	case "number":
		return strconv.ParseFloat(text, 64)
	case "json":
		var out any
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return text, nil
	}
}
