package packetstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// indexMeta is the subset of a packet's fields kept in the index for
// pruning and relaxed-lookup scans without reading every packet file.
type indexMeta struct {
	PacketID           string    `json:"packet_id"`
	ProjectKey         string    `json:"project_key"`
	ToolName           string    `json:"tool_name"`
	IntentFamily       string    `json:"intent_family"`
	TaskPlane          string    `json:"task_plane"`
	UpdatedTS          time.Time `json:"updated_ts"`
	FreshUntilTS       time.Time `json:"fresh_until_ts"`
	Invalidated        bool      `json:"invalidated"`
	EffectivenessScore float64   `json:"effectiveness_score"`
}

// indexFile is the on-disk shape of index.json (spec.md §6).
type indexFile struct {
	ByExact    map[string]string    `json:"by_exact"`
	PacketMeta map[string]indexMeta `json:"packet_meta"`
}

func newIndexFile() *indexFile {
	return &indexFile{ByExact: map[string]string{}, PacketMeta: map[string]indexMeta{}}
}

// loadIndex reads index.json, tolerating a missing or corrupt file by
// returning a fresh empty index (spec.md §7: state corruption => absent).
func loadIndex(path string) *indexFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return newIndexFile()
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return newIndexFile()
	}
	if idx.ByExact == nil {
		idx.ByExact = map[string]string{}
	}
	if idx.PacketMeta == nil {
		idx.PacketMeta = map[string]indexMeta{}
	}
	return &idx
}

// saveIndex writes index.json atomically (write-temp + rename).
func saveIndex(path string, idx *indexFile) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("packetstore: marshaling index: %w", err)
	}
	dir := dirOf(path)
	tmp, err := os.CreateTemp(dir, "index-*.tmp")
	if err != nil {
		return fmt.Errorf("packetstore: creating index temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: writing index temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: closing index temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("packetstore: renaming index into place: %w", err)
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// prune evicts the oldest-updated_ts entries once the index exceeds max,
// removing any exact-key entries that pointed at them (spec.md §4.4).
func (idx *indexFile) prune(max int) {
	if max <= 0 || len(idx.PacketMeta) <= max {
		return
	}
	type kv struct {
		id   string
		meta indexMeta
	}
	all := make([]kv, 0, len(idx.PacketMeta))
	for id, m := range idx.PacketMeta {
		all = append(all, kv{id, m})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].meta.UpdatedTS.Before(all[j].meta.UpdatedTS)
	})
	toRemove := len(all) - max
	removed := make(map[string]bool, toRemove)
	for i := 0; i < toRemove; i++ {
		removed[all[i].id] = true
		delete(idx.PacketMeta, all[i].id)
	}
	for k, v := range idx.ByExact {
		if removed[v] {
			delete(idx.ByExact, k)
		}
	}
}
