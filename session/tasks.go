package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// CatalogEntry is one task as loaded from the process-wide task catalog
// file: a locale -> display-text mapping. The key handed out to clients is
// derived from the first locale entry, alphanumerics only, so it stays
// stable as long as the catalog's primary locale text doesn't change.
type CatalogEntry struct {
	Key     string
	Strings map[string]string
}

// LoadCatalog reads the task catalog once at startup. The file is a JSON
// array of locale->text objects, e.g.
// [{"en": "Make the robot walk forward", "nl": "..."}].
func LoadCatalog(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	entries := make([]CatalogEntry, 0, len(raw))
	for _, object := range raw {
		var task map[string]string
		if err := json.Unmarshal(object, &task); err != nil || len(task) == 0 {
			continue
		}
		first, err := primaryLocale(object)
		if err != nil {
			continue
		}
		entries = append(entries, CatalogEntry{Key: taskKey(task[first]), Strings: task})
	}
	return entries, nil
}

// primaryLocale returns the first key of a JSON object in on-disk order,
// mirroring loadTasks() picking task[keys[0]] off the original's
// insertion-ordered dict. Go's map[string]string loses that order, so the
// key is read directly off the raw object's token stream instead of off
// the decoded map.
func primaryLocale(object json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(object))
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", fmt.Errorf("session: task catalog entry is not an object")
	}
	if !dec.More() {
		return "", fmt.Errorf("session: task catalog entry has no locale keys")
	}
	key, err := dec.Token()
	if err != nil {
		return "", err
	}
	name, ok := key.(string)
	if !ok {
		return "", fmt.Errorf("session: task catalog key is not a string")
	}
	return name, nil
}

func taskKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// taskEntry is the mutable per-session copy of a catalog entry.
type taskEntry struct {
	strings   map[string]string
	completed bool
}

// TaskView is the JSON shape broadcast to players and returned by the HTTP
// API: {"key", "strings", "completed"}.
type TaskView struct {
	Key       string            `json:"key"`
	Strings   map[string]string `json:"strings"`
	Completed bool              `json:"completed"`
}

// taskTable is an insertion-ordered key->taskEntry mapping, copied fresh
// into each session from the shared process-wide catalog.
type taskTable struct {
	order   []string
	entries map[string]*taskEntry
}

func newTaskTable(catalog []CatalogEntry) *taskTable {
	t := &taskTable{entries: make(map[string]*taskEntry, len(catalog))}
	for _, c := range catalog {
		if _, exists := t.entries[c.Key]; exists {
			continue
		}
		t.order = append(t.order, c.Key)
		t.entries[c.Key] = &taskEntry{strings: c.Strings}
	}
	return t
}

// set marks a task complete/incomplete. It fails if the key is unknown.
func (t *taskTable) set(key string, completed bool) bool {
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	entry.completed = completed
	return true
}

// views returns the task list in catalog order, ready for JSON encoding.
func (t *taskTable) views() []TaskView {
	views := make([]TaskView, 0, len(t.order))
	for _, key := range t.order {
		e := t.entries[key]
		views = append(views, TaskView{Key: key, Strings: e.strings, Completed: e.completed})
	}
	return views
}
