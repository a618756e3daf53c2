package mcpconfig

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/config"
	"github.com/unforced/thinking-space/internal/common/logger"
	"github.com/unforced/thinking-space/pkg/acp/jsonrpc"
)

// Loader resolves the MCP servers for a workspace. When watching is enabled,
// parsed files are cached until fsnotify reports a change in their directory.
type Loader struct {
	fileName   string
	globalFile string
	logger     *logger.Logger

	mu      sync.Mutex
	cache   map[string]map[string]ServerDef // file path -> servers
	watched map[string]struct{}             // directories added to watcher
	watcher *fsnotify.Watcher
	// generation counts watcher events; a read that overlaps one is not cached.
	generation uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoader creates a loader. A watcher failure disables caching rather than
// failing construction.
func NewLoader(cfg config.MCPConfig, log *logger.Logger) *Loader {
	l := &Loader{
		fileName:   cfg.FileName,
		globalFile: cfg.GlobalFile,
		logger:     log.WithFields(zap.String("component", "mcp-config")),
		cache:      make(map[string]map[string]ServerDef),
		watched:    make(map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
	if l.fileName == "" {
		l.fileName = ".mcp.json"
	}
	if cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			l.logger.Warn("failed to create mcp config watcher, caching disabled", zap.Error(err))
		} else {
			l.watcher = watcher
		}
	}
	return l
}

// Start runs the invalidation loop until ctx ends or Close is called.
func (l *Loader) Start(ctx context.Context) {
	if l.watcher == nil {
		return
	}
	l.wg.Add(1)
	go l.watchLoop(ctx)
}

// Close stops watching and waits for the loop to exit.
func (l *Loader) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
		l.wg.Wait()
	})
	return err
}

// Servers returns the session/new server list for workDir: the global file
// merged underneath the workspace file. Invalid JSON in the workspace file is
// an error.
func (l *Loader) Servers(workDir string) ([]jsonrpc.McpServer, error) {
	var global map[string]ServerDef
	if l.globalFile != "" {
		var err error
		global, err = l.load(l.globalFile, ParseGlobal)
		if err != nil {
			return nil, err
		}
	}

	workspace, err := l.load(filepath.Join(workDir, l.fileName), ParseWorkspace)
	if err != nil {
		return nil, err
	}

	resolved, warnings := Resolve(Merge(global, workspace))
	for _, w := range warnings {
		l.logger.Warn(w, zap.String("work_dir", workDir))
	}
	return ToACPServers(resolved), nil
}

// CachedFiles reports how many parsed files are cached.
func (l *Loader) CachedFiles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

func (l *Loader) load(path string, parse func([]byte) (*File, error)) (map[string]ServerDef, error) {
	path = filepath.Clean(path)

	l.mu.Lock()
	if servers, ok := l.cache[path]; ok {
		l.mu.Unlock()
		return servers, nil
	}
	cacheable := l.watchDirLocked(filepath.Dir(path))
	gen := l.generation
	l.mu.Unlock()

	servers, err := readFile(path, parse)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	// A change seen while reading means the result may already be stale.
	if cacheable && gen == l.generation {
		l.cache[path] = servers
	}
	l.mu.Unlock()
	return servers, nil
}

func (l *Loader) watchDirLocked(dir string) bool {
	if l.watcher == nil {
		return false
	}
	if _, ok := l.watched[dir]; ok {
		return true
	}
	if err := l.watcher.Add(dir); err != nil {
		l.logger.Debug("not caching mcp config, directory not watchable",
			zap.String("dir", dir), zap.Error(err))
		return false
	}
	l.watched[dir] = struct{}{}
	return true
}

func (l *Loader) watchLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.invalidate(filepath.Clean(event.Name))
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Debug("mcp config watcher error", zap.Error(err))
		}
	}
}

func (l *Loader) invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	if _, ok := l.cache[path]; ok {
		delete(l.cache, path)
		l.logger.Debug("mcp config changed", zap.String("path", path))
	}
}
