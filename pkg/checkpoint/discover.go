package checkpoint

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/agentcore/pkg/types"
)

// DiscoverAgentID finds the agent-ID checkpointed under workDir, for the
// warm-start case where the agent-ID is not yet known from configuration.
// A fresh work directory with no meta/slaves entries is a cold start
// (ok=false). More than one entry means a previous agent-ID was abandoned
// without cleanup (e.g. the work directory was reused after a master
// reassigned a new ID); this picks the most recently checkpointed one and
// leaves the stale ones for an operator to clean up, rather than guessing
// wrong silently.
func DiscoverAgentID(workDir string) (id types.AgentID, ok bool, err error) {
	root := filepath.Join(workDir, "meta", "slaves")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	type candidate struct {
		id      string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(slaveInfoPath(workDir, e.Name()))
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })
	return types.AgentID(candidates[0].id), true, nil
}
