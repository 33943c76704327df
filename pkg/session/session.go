// Package session gives the engine a read-only view of the external agent
// CLI's session directory.
//
// The CLI owns these files; the relay never writes them. The reconciler uses
// the count of active sessions as a leak signal, nothing more, so a missing
// or unreadable directory is an empty store rather than an error.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"relay/pkg/logx"
)

// StateActive is the session state the reconciler counts.
const StateActive = "active"

// ActiveSession is one live session reported by the external store.
type ActiveSession struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	State      string `json:"state"`
	WorkItemID string `json:"work_item_id"`
}

// Store lists the sessions the external CLI believes are active.
type Store interface {
	ListActiveSessions(ctx context.Context, limit int) ([]ActiveSession, error)
}

// Nop returns a Store that reports no sessions, for deployments without a
// session directory.
func Nop() Store { return nopStore{} }

type nopStore struct{}

func (nopStore) ListActiveSessions(context.Context, int) ([]ActiveSession, error) {
	return nil, nil
}

// FileStore reads session JSON files from a directory.
type FileStore struct {
	dir    string
	logger *logx.Logger
}

// NewFileStore returns a store over dir. The directory does not have to
// exist yet; the CLI creates it on first use.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, logger: logx.NewLogger("session")}
}

// ListActiveSessions scans dir for sessions in the active state, newest
// first, up to limit (0 means no limit). Files the relay cannot parse belong
// to some other CLI version and are skipped.
func (s *FileStore) ListActiveSessions(ctx context.Context, limit int) ([]ActiveSession, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir %s: %w", s.dir, err)
	}

	type candidate struct {
		sess    ActiveSession
		modTime time.Time
	}
	var active []candidate
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Debug("skip unreadable session file %s: %v", entry.Name(), err)
			continue
		}
		var sess ActiveSession
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Debug("skip malformed session file %s: %v", entry.Name(), err)
			continue
		}
		if sess.State != StateActive {
			continue
		}
		if sess.ID == "" {
			sess.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		active = append(active, candidate{sess: sess, modTime: info.ModTime()})
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].modTime.After(active[j].modTime)
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}

	out := make([]ActiveSession, len(active))
	for i := range active {
		out[i] = active[i].sess
	}
	return out, nil
}
