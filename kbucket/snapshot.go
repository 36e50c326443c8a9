package kbucket

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/boson-network/boson/id"
	"github.com/boson-network/boson/record"
)

// snapshotMaxAge is how old a cache file can be and still be trusted to
// load straight into its buckets rather than be replayed through Put
// (spec §4.3 persistence rule).
const snapshotMaxAge = 24 * time.Hour

// snapshotEntry is the wire shape of one persisted routing table entry.
type snapshotEntry struct {
	ID        id.Id  `cbor:"id"`
	Host      []byte `cbor:"host"`
	Port      uint16 `cbor:"port"`
	Version   uint32 `cbor:"version"`
	Created   int64  `cbor:"created"`
	LastSeen  int64  `cbor:"lastSeen"`
	Reachable bool   `cbor:"reachable"`
}

// snapshotDoc is the CBOR document written to disk: {nodeId, timestamp,
// entries, replacements} (spec §4.3).
type snapshotDoc struct {
	NodeID       id.Id           `cbor:"nodeId"`
	Timestamp    int64           `cbor:"timestamp"`
	Entries      []snapshotEntry `cbor:"entries"`
	Replacements []snapshotEntry `cbor:"replacements"`
}

func toSnapshotEntry(e *Entry) snapshotEntry {
	return snapshotEntry{
		ID:        e.ID,
		Host:      []byte(e.Host),
		Port:      e.Port,
		Version:   e.Version,
		Created:   e.Created.Unix(),
		LastSeen:  e.LastSeen.Unix(),
		Reachable: e.Reachable,
	}
}

func fromSnapshotEntry(s snapshotEntry) *Entry {
	e := &Entry{
		NodeInfo:  record.NewNodeInfo(s.ID, net.IP(s.Host), s.Port),
		Created:   time.Unix(s.Created, 0),
		LastSeen:  time.Unix(s.LastSeen, 0),
		Reachable: s.Reachable,
	}
	e.Version = s.Version
	return e
}

// Save writes the routing table to path as a CBOR document, atomically via
// a temp file and rename (spec §4.3).
func (rt *RoutingTable) Save(path string) error {
	rt.mu.Lock()
	doc := snapshotDoc{NodeID: rt.local, Timestamp: time.Now().Unix()}
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			doc.Entries = append(doc.Entries, toSnapshotEntry(e))
		}
		for _, e := range b.replacements {
			doc.Replacements = append(doc.Replacements, toSnapshotEntry(e))
		}
	}
	rt.mu.Unlock()

	data, err := cbor.Marshal(doc)
	if err != nil {
		return fmt.Errorf("kbucket: encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".routingtable-*.tmp")
	if err != nil {
		return fmt.Errorf("kbucket: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kbucket: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kbucket: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kbucket: rename snapshot into place: %w", err)
	}
	return nil
}

// Load populates rt from the CBOR document at path. If the snapshot's
// nodeId matches rt's local id and it is younger than snapshotMaxAge,
// entries are placed directly into their buckets (splitting as necessary);
// otherwise every entry is replayed through the normal Put path, which is
// the safe default when the table identity may have changed (spec §4.3).
func (rt *RoutingTable) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kbucket: read snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("kbucket: decode snapshot: %w", err)
	}

	fresh := doc.NodeID == rt.local && time.Since(time.Unix(doc.Timestamp, 0)) < snapshotMaxAge

	now := time.Now()
	if !fresh {
		for _, se := range doc.Entries {
			e := fromSnapshotEntry(se)
			rt.Put(e.NodeInfo, e.Reachable, now)
		}
		for _, se := range doc.Replacements {
			e := fromSnapshotEntry(se)
			rt.Put(e.NodeInfo, false, now)
		}
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, se := range doc.Entries {
		e := fromSnapshotEntry(se)
		idx := rt.bucketIndex(e.ID)
		b := rt.buckets[idx]
		if len(b.entries) >= K && b.prefix.Splittable() {
			rt.split(idx)
			idx = rt.bucketIndex(e.ID)
			b = rt.buckets[idx]
		}
		if !rt.trackIP(e.Host) {
			b.addReplacement(e)
			continue
		}
		b.entries = append(b.entries, e)
	}
	for _, se := range doc.Replacements {
		e := fromSnapshotEntry(se)
		idx := rt.bucketIndex(e.ID)
		rt.buckets[idx].addReplacement(e)
	}
	return nil
}
