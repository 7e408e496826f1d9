package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResumeInfo describes an interrupted run that persisted enough to skip
// the plan/structure stages on a rerun.
type ResumeInfo struct {
	RunID          string
	StructurePath  string
	Structure      map[string]any
	LastResponseID string
}

// FindLastIncompleteRun scans the LOG root newest-first for a run whose
// state is non-terminal and which saved a resume_structure manifest.
func FindLastIncompleteRun(root string) (*ResumeInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && RunIDRe.MatchString(e.Name()) {
			runs = append(runs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runs)))

	for _, runID := range runs {
		dir := filepath.Join(root, runID)
		state := readStateFile(filepath.Join(dir, "run_state.json"))
		status, _ := state["status"].(string)
		if status == "" || IsTerminalStatus(status) {
			continue
		}
		manifestPath := findResumeStructure(filepath.Join(dir, "manifests"))
		if manifestPath == "" {
			continue
		}
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		var structure map[string]any
		if err := json.Unmarshal(data, &structure); err != nil {
			continue
		}
		lastID, _ := state["last_response_id"].(string)
		return &ResumeInfo{
			RunID:          runID,
			StructurePath:  manifestPath,
			Structure:      structure,
			LastResponseID: lastID,
		}, nil
	}
	return nil, nil
}

func readStateFile(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return map[string]any{}
	}
	return state
}

func findResumeStructure(manifestDir string) string {
	entries, err := os.ReadDir(manifestDir)
	if err != nil {
		return ""
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), "resume_structure") && strings.HasSuffix(e.Name(), ".json") {
			candidates = append(candidates, filepath.Join(manifestDir, e.Name()))
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}
