package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"beesense/internal/escalation"
	logx "beesense/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps every record in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every fileCompactEvery writes and
// on Close. Only one process may use a given path.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	data         map[string]fileRecord
	writes       int
	now          func() time.Time
}

type fileRecord struct {
	Entity         string `json:"entity"`
	LastNotifiedAt int64  `json:"last_notified_at"` // unix milli
	Severity       string `json:"severity"`
	UpdatedAt      int64  `json:"updated_at"`
	Deleted        bool   `json:"deleted,omitempty"`
}

func (r fileRecord) record() (Record, error) {
	sev, err := escalation.ParseSeverity(r.Severity)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Entity:    r.Entity,
		State:     escalation.State{LastNotifiedAt: time.UnixMilli(r.LastNotifiedAt), Severity: sev},
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}, nil
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	data := map[string]fileRecord{}
	if err := loadSnapshot(snapPath, data); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	skipped, err := replayJournal(journalPath, data)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped malformed journal lines", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		data:         data,
		now:          time.Now,
	}, nil
}

func (s *fileStore) Get(_ context.Context, entity string) (escalation.State, bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return escalation.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return escalation.State{}, false, ErrClosed
	}
	return s.getLocked(entity)
}

func (s *fileStore) getLocked(entity string) (escalation.State, bool, error) {
	fr, ok := s.data[entity]
	if !ok {
		return escalation.State{}, false, nil
	}
	r, err := fr.record()
	if err != nil {
		return escalation.State{}, false, err
	}
	return r.State, true, nil
}

func (s *fileStore) CompareAndSwap(_ context.Context, entity string, prev, next *escalation.State) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	cur, ok, err := s.getLocked(entity)
	if err != nil {
		return false, err
	}
	if !matches(cur, ok, prev) {
		return false, nil
	}
	if next == nil {
		if !ok {
			return true, nil
		}
		return true, s.writeLocked(fileRecord{Entity: entity, Deleted: true})
	}
	return true, s.writeLocked(s.toFileRecord(entity, *next))
}

func (s *fileStore) Put(_ context.Context, entity string, st escalation.State) error {
	entity, err := normEntity(entity)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.writeLocked(s.toFileRecord(entity, st))
}

func (s *fileStore) Delete(_ context.Context, entity string) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.data[entity]; !ok {
		return false, nil
	}
	return true, s.writeLocked(fileRecord{Entity: entity, Deleted: true})
}

func (s *fileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.data))
	for _, fr := range s.data {
		r, err := fr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	return errors.Join(cerr, err)
}

func (s *fileStore) toFileRecord(entity string, st escalation.State) fileRecord {
	return fileRecord{
		Entity:         entity,
		LastNotifiedAt: st.LastNotifiedAt.UnixMilli(),
		Severity:       st.Severity.String(),
		UpdatedAt:      s.now().UnixMilli(),
	}
}

// writeLocked journals the change before applying it in memory.
func (s *fileStore) writeLocked(r fileRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	applyRecord(s.data, r)

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	recs := make([]fileRecord, 0, len(s.data))
	for _, r := range s.data {
		recs = append(recs, r)
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func applyRecord(m map[string]fileRecord, r fileRecord) {
	if r.Deleted {
		delete(m, r.Entity)
		return
	}
	m[r.Entity] = r
}

func loadSnapshot(path string, out map[string]fileRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []fileRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Entity != "" {
			out[r.Entity] = r
		}
	}
	return nil
}

func replayJournal(path string, out map[string]fileRecord) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r fileRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.Entity == "" {
			// A torn last line after a crash is expected.
			skipped++
			continue
		}
		applyRecord(out, r)
	}
	return skipped, s.Err()
}
