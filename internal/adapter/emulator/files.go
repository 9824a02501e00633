package emulator

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"moonrpc/internal/domain"
)

type fileInfo struct {
	size     int64
	modified float64
}

// fileTree is an in-memory stand-in for Moonraker's registered roots. Keys
// are "root/dir/name" paths; directories exist implicitly.
type fileTree struct {
	mu    sync.Mutex
	roots []string
	files map[string]fileInfo
}

func newFileTree() *fileTree {
	now := float64(time.Now().Unix())
	return &fileTree{
		roots: []string{"gcodes", "config", "logs"},
		files: map[string]fileInfo{
			"gcodes/benchy.gcode":            {size: 2_418_305, modified: now},
			"gcodes/calibration/cube.gcode":  {size: 183_022, modified: now},
			"gcodes/calibration/tower.gcode": {size: 402_117, modified: now},
			"config/printer.cfg":             {size: 6_144, modified: now},
			"config/moonraker.conf":          {size: 1_210, modified: now},
			"logs/klippy.log":                {size: 88_412, modified: now},
		},
	}
}

func (t *fileTree) register(s *Server) {
	s.RegisterHandler("server.files.roots", t.listRoots)
	s.RegisterHandler("server.files.get_directory", t.getDirectory)
	s.RegisterHandler("server.files.move", func(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
		res, err := t.move(params)
		if err != nil {
			return nil, err
		}
		_ = s.Broadcast("notify_filelist_changed", []any{res})
		return res, nil
	})
}

func (t *fileTree) listRoots(context.Context, *ClientInfo, json.RawMessage) (any, error) {
	out := make([]map[string]string, 0, len(t.roots))
	for _, r := range t.roots {
		perm := "rw"
		if r == "logs" {
			perm = "r"
		}
		out = append(out, map[string]string{
			"name":        r,
			"path":        "/home/pi/printer_data/" + r,
			"permissions": perm,
		})
	}
	return out, nil
}

func (t *fileTree) getDirectory(_ context.Context, _ *ClientInfo, params json.RawMessage) (any, error) {
	req := struct {
		Path string `json:"path"`
	}{Path: "gcodes"}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &domain.RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	dir := strings.Trim(path.Clean("/"+req.Path), "/")
	if !t.hasRoot(dir) {
		return nil, &domain.RPCError{Code: 400, Message: "Invalid root path (" + dir + ")"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := dir + "/"
	dirs := map[string]bool{}
	files := []map[string]any{}
	found := false
	for p, info := range t.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		found = true
		if sub, _, nested := strings.Cut(rest, "/"); nested {
			dirs[sub] = true
			continue
		}
		files = append(files, map[string]any{
			"filename":    rest,
			"size":        info.size,
			"modified":    info.modified,
			"permissions": "rw",
		})
	}
	if !found && strings.Contains(dir, "/") {
		return nil, &domain.RPCError{Code: 404, Message: "Directory does not exist (" + dir + ")"}
	}

	dirList := make([]map[string]any, 0, len(dirs))
	for name := range dirs {
		dirList = append(dirList, map[string]any{"dirname": name, "permissions": "rw"})
	}
	sort.Slice(dirList, func(i, j int) bool { return dirList[i]["dirname"].(string) < dirList[j]["dirname"].(string) })
	sort.Slice(files, func(i, j int) bool { return files[i]["filename"].(string) < files[j]["filename"].(string) })

	root, _, _ := strings.Cut(dir, "/")
	return map[string]any{
		"dirs":      dirList,
		"files":     files,
		"root_info": map[string]string{"name": root, "permissions": "rw"},
	}, nil
}

func (t *fileTree) move(params json.RawMessage) (any, error) {
	var req struct {
		Source string `json:"source"`
		Dest   string `json:"dest"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Source == "" || req.Dest == "" {
		return nil, &domain.RPCError{Code: CodeInvalidParams, Message: "source and dest are required"}
	}
	src := strings.Trim(path.Clean("/"+req.Source), "/")
	dst := strings.Trim(path.Clean("/"+req.Dest), "/")
	if !t.hasRoot(src) || !t.hasRoot(dst) {
		return nil, &domain.RPCError{Code: 400, Message: "Invalid root path"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.files[src]
	if !ok {
		return nil, &domain.RPCError{Code: 404, Message: "File does not exist (" + src + ")"}
	}
	if _, exists := t.files[dst]; exists {
		return nil, &domain.RPCError{Code: 409, Message: "Destination exists (" + dst + ")"}
	}
	delete(t.files, src)
	info.modified = float64(time.Now().Unix())
	t.files[dst] = info

	split := func(p string) map[string]string {
		root, rest, _ := strings.Cut(p, "/")
		return map[string]string{"root": root, "path": rest}
	}
	return map[string]any{
		"item":        split(dst),
		"source_item": split(src),
		"action":      "move_file",
	}, nil
}

func (t *fileTree) hasRoot(p string) bool {
	root, _, _ := strings.Cut(p, "/")
	for _, r := range t.roots {
		if r == root {
			return true
		}
	}
	return false
}
