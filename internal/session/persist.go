package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

const tableFileName = "sessions.json"

// tableFile is the single on-disk format this package owns.
type tableFile struct {
	ActiveSessionID string         `json:"active_session_id"`
	Sessions        []tableSession `json:"sessions"`
}

type tableSession struct {
	SessionID    string    `json:"session_id"`
	ProjectPath  string    `json:"project_path"`
	ProjectName  string    `json:"project_name"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (m *Manager) tablePath() string {
	return filepath.Join(m.opts.DataDir, tableFileName)
}

// persist writes the session table atomically: temp file, rename, under a
// file lock so concurrent processes sharing the data dir cannot interleave.
func (m *Manager) persist() error {
	if m.opts.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.opts.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	m.mu.Lock()
	table := tableFile{ActiveSessionID: m.activeID}
	for _, s := range m.sessions {
		table.Sessions = append(table.Sessions, tableSession{
			SessionID:    s.ID,
			ProjectPath:  s.ProjectPath,
			ProjectName:  s.ProjectName,
			Status:       s.Status,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
		})
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session table: %w", err)
	}

	path := m.tablePath()
	fileLock := flock.New(path + ".lock")
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring table lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("session table locked by another process")
	}
	defer func() { _ = fileLock.Unlock() }()

	tmp, err := os.CreateTemp(m.opts.DataDir, tableFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp table: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp table: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing session table: %w", err)
	}
	return nil
}

// ReadTable loads the persisted session table without a Manager, for
// read-only inspection by the CLI. Statuses are reported as written; no
// liveness is implied.
func ReadTable(dataDir string) (activeID string, sessions []Summary, err error) {
	data, err := os.ReadFile(filepath.Join(dataDir, tableFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("reading session table: %w", err)
	}

	var table tableFile
	if err := json.Unmarshal(data, &table); err != nil {
		return "", nil, fmt.Errorf("decoding session table: %w", err)
	}

	for _, ts := range table.Sessions {
		sessions = append(sessions, Summary{
			ID:           ts.SessionID,
			ProjectPath:  ts.ProjectPath,
			ProjectName:  ts.ProjectName,
			Status:       ts.Status,
			CreatedAt:    ts.CreatedAt,
			LastActivity: ts.LastActivity,
			Active:       ts.SessionID == table.ActiveSessionID,
		})
	}
	return table.ActiveSessionID, sessions, nil
}

// loadPersisted restores sessions whose last activity is within the
// session timeout. Restored sessions are forced Inactive: a restart never
// resumes a live process, it only remembers the session existed so a
// caller can resume it explicitly by token.
func (m *Manager) loadPersisted() error {
	if m.opts.DataDir == "" {
		return nil
	}

	data, err := os.ReadFile(m.tablePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session table: %w", err)
	}

	var table tableFile
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("decoding session table: %w", err)
	}

	cutoff := time.Now().Add(-m.opts.SessionTimeout)
	restored := 0

	// A table written under a larger limit must not over-fill the live map;
	// keep the most recently active sessions up to MaxSessions.
	eligible := make([]tableSession, 0, len(table.Sessions))
	for _, ts := range table.Sessions {
		if ts.LastActivity.Before(cutoff) {
			continue
		}
		eligible = append(eligible, ts)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].LastActivity.After(eligible[j].LastActivity)
	})
	if len(eligible) > m.opts.MaxSessions {
		m.log.Warn("persisted table exceeds session limit, dropping oldest",
			"persisted", len(eligible), "limit", m.opts.MaxSessions)
		eligible = eligible[:m.opts.MaxSessions]
	}

	m.mu.Lock()
	for _, ts := range eligible {
		m.sessions[ts.SessionID] = &Session{
			ID:           ts.SessionID,
			ProjectPath:  ts.ProjectPath,
			ProjectName:  ts.ProjectName,
			Status:       StatusInactive,
			CreatedAt:    ts.CreatedAt,
			LastActivity: ts.LastActivity,
		}
		restored++
	}
	m.mu.Unlock()

	if restored > 0 {
		m.log.Info("restored sessions from table", "count", restored)
	}
	return nil
}
