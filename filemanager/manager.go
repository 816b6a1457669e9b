// Package filemanager persists local engine checkpoints to durable remote
// storage as immutable versions, and materializes a version's files back into
// a local working directory.
//
// Remote layout under the blobstore root:
//
//	ssts/<uuid>.sst          immutable table files, shared across versions
//	aux/<version>/<name>.zst zstd-compressed mutable engine files
//	versions/<version>.json.zst  version manifest (the commit point)
//
// Table files are immutable once written, so a file already uploaded for an
// earlier version is reused by reference instead of re-uploaded.
package filemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hupe1980/statekv/blobstore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	sstPrefix     = "ssts/"
	auxPrefix     = "aux/"
	versionPrefix = "versions/"

	manifestFormatVersion = 1
)

// ErrVersionNotFound is returned when the requested version has no manifest
// in remote storage.
var ErrVersionNotFound = errors.New("filemanager: version not found")

// SSTFile maps an immutable local table file to its remote blob.
type SSTFile struct {
	LocalName  string `json:"local_name"`
	RemoteName string `json:"remote_name"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Manifest describes one durable version.
type Manifest struct {
	FormatVersion int       `json:"format_version"`
	Version       int64     `json:"version"`
	NumKeys       int64     `json:"num_keys"`
	SSTFiles      []SSTFile `json:"sst_files"`
	AuxFiles      []string  `json:"aux_files"`
}

// SaveResult reports the transfer counters of one SaveCheckpoint call.
type SaveResult struct {
	BytesCopied int64 `json:"bytes_copied"`
	FilesCopied int64 `json:"files_copied"`
	FilesReused int64 `json:"files_reused"`
}

// Options configures a Manager.
type Options struct {
	// Parallelism bounds concurrent file transfers. Default: 4.
	Parallelism int
	// RateBytesPerSec throttles transfer throughput. 0 means unlimited.
	RateBytesPerSec int64
	// Logger receives transfer and cleanup events. nil discards them.
	Logger *slog.Logger
}

// Manager copies checkpoint files between a local directory and a blobstore.
// It remembers the table files of the version it last loaded or saved, so an
// unchanged file is never uploaded twice. Safe for use by the single owner of
// one store instance.
type Manager struct {
	store       blobstore.Store
	logger      *slog.Logger
	parallelism int
	limiter     *rate.Limiter

	mu sync.Mutex
	// knownSSTs maps localName -> last uploaded blob for that file name,
	// keyed off the most recently loaded or saved version.
	knownSSTs map[string]SSTFile
}

// New creates a Manager over the given blobstore.
func New(store blobstore.Store, optFns ...func(*Options)) *Manager {
	opts := Options{Parallelism: 4}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var limiter *rate.Limiter
	if opts.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateBytesPerSec), int(opts.RateBytesPerSec))
	}

	return &Manager{
		store:       store,
		logger:      logger,
		parallelism: opts.Parallelism,
		limiter:     limiter,
		knownSSTs:   make(map[string]SSTFile),
	}
}

// isSST reports whether name is an immutable table file.
func isSST(name string) bool {
	return strings.HasSuffix(name, ".sst")
}

// SaveCheckpoint durably persists the local checkpoint directory as the given
// version. numKeys is recorded in the manifest and returned by LoadCheckpoint.
// The manifest upload is the commit point: a version without a manifest is
// invisible.
func (m *Manager) SaveCheckpoint(ctx context.Context, localDir string, version, numKeys int64) (SaveResult, error) {
	if version < 0 {
		return SaveResult{}, fmt.Errorf("filemanager: invalid version %d", version)
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return SaveResult{}, fmt.Errorf("filemanager: read checkpoint dir: %w", err)
	}

	manifest := Manifest{
		FormatVersion: manifestFormatVersion,
		Version:       version,
		NumKeys:       numKeys,
	}

	var (
		result   SaveResult
		resultMu sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	m.mu.Lock()
	known := m.knownSSTs
	m.mu.Unlock()

	next := make(map[string]SSTFile)
	var nextMu sync.Mutex

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		info, err := entry.Info()
		if err != nil {
			return SaveResult{}, err
		}
		localPath := filepath.Join(localDir, name)

		if isSST(name) {
			if prev, ok := known[name]; ok && prev.SizeBytes == info.Size() {
				// Same immutable file as the version we started from.
				nextMu.Lock()
				next[name] = prev
				nextMu.Unlock()
				resultMu.Lock()
				result.FilesReused++
				resultMu.Unlock()
				continue
			}

			sst := SSTFile{
				LocalName:  name,
				RemoteName: sstPrefix + uuid.NewString() + ".sst",
				SizeBytes:  info.Size(),
			}
			g.Go(func() error {
				if err := m.uploadRaw(gctx, localPath, sst.RemoteName, sst.SizeBytes); err != nil {
					return fmt.Errorf("filemanager: upload %s: %w", sst.LocalName, err)
				}
				nextMu.Lock()
				next[sst.LocalName] = sst
				nextMu.Unlock()
				resultMu.Lock()
				result.FilesCopied++
				result.BytesCopied += sst.SizeBytes
				resultMu.Unlock()
				return nil
			})
			continue
		}

		// Mutable engine files change every version; compress and store them
		// under the version's own prefix.
		auxName := name
		remote := auxRemoteName(version, auxName)
		size := info.Size()
		manifest.AuxFiles = append(manifest.AuxFiles, auxName)
		g.Go(func() error {
			if err := m.uploadCompressed(gctx, localPath, remote, size); err != nil {
				return fmt.Errorf("filemanager: upload %s: %w", auxName, err)
			}
			resultMu.Lock()
			result.FilesCopied++
			result.BytesCopied += size
			resultMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return SaveResult{}, err
	}

	for _, sst := range next {
		manifest.SSTFiles = append(manifest.SSTFiles, sst)
	}
	sort.Slice(manifest.SSTFiles, func(i, j int) bool {
		return manifest.SSTFiles[i].LocalName < manifest.SSTFiles[j].LocalName
	})
	sort.Strings(manifest.AuxFiles)

	if err := m.putManifest(ctx, manifest); err != nil {
		return SaveResult{}, err
	}

	m.mu.Lock()
	m.knownSSTs = next
	m.mu.Unlock()

	m.logger.Info("checkpoint saved",
		"version", version,
		"num_keys", numKeys,
		"files_copied", result.FilesCopied,
		"files_reused", result.FilesReused,
		"bytes_copied", result.BytesCopied,
	)
	return result, nil
}

// LoadCheckpoint materializes the given version into destDir, replacing its
// contents, and returns the version's recorded key count.
//
// Version 0 with no manifest is the empty initial state: destDir is reset and
// the key count is zero.
func (m *Manager) LoadCheckpoint(ctx context.Context, version int64, destDir string) (int64, error) {
	if version < 0 {
		return 0, fmt.Errorf("filemanager: invalid version %d", version)
	}

	manifest, err := m.getManifest(ctx, version)
	if errors.Is(err, blobstore.ErrNotFound) {
		if version == 0 {
			if err := resetDir(destDir); err != nil {
				return 0, err
			}
			m.mu.Lock()
			m.knownSSTs = make(map[string]SSTFile)
			m.mu.Unlock()
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	if err != nil {
		return 0, err
	}

	// Keep table files already present with the right size; they are
	// immutable, so a size match against the manifest means content match
	// for files this manager wrote.
	keep := make(map[string]SSTFile, len(manifest.SSTFiles))
	for _, sst := range manifest.SSTFiles {
		keep[sst.LocalName] = sst
	}
	if err := resetDirExcept(destDir, keep); err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)

	for _, sst := range manifest.SSTFiles {
		localPath := filepath.Join(destDir, sst.LocalName)
		if info, err := os.Stat(localPath); err == nil && info.Size() == sst.SizeBytes {
			continue
		}
		g.Go(func() error {
			if err := m.downloadRaw(gctx, sst.RemoteName, localPath); err != nil {
				return fmt.Errorf("filemanager: download %s: %w", sst.LocalName, err)
			}
			return nil
		})
	}
	for _, aux := range manifest.AuxFiles {
		localPath := filepath.Join(destDir, aux)
		remote := auxRemoteName(version, aux)
		g.Go(func() error {
			if err := m.downloadCompressed(gctx, remote, localPath); err != nil {
				return fmt.Errorf("filemanager: download %s: %w", aux, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.knownSSTs = keep
	m.mu.Unlock()

	m.logger.Info("checkpoint loaded",
		"version", version,
		"num_keys", manifest.NumKeys,
		"sst_files", len(manifest.SSTFiles),
	)
	return manifest.NumKeys, nil
}

// LatestVersion returns the highest version with a manifest, or -1 when no
// version has ever been saved.
func (m *Manager) LatestVersion(ctx context.Context) (int64, error) {
	names, err := m.store.List(ctx, versionPrefix)
	if err != nil {
		return -1, err
	}

	latest := int64(-1)
	for _, name := range names {
		v, ok := parseManifestName(name)
		if ok && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// DeleteOldVersions removes all but the newest minVersionsToRetain versions,
// along with any table file referenced only by removed versions. Failures are
// logged and skipped; retention is advisory and never blocks correctness.
func (m *Manager) DeleteOldVersions(ctx context.Context, minVersionsToRetain int) error {
	if minVersionsToRetain < 1 {
		minVersionsToRetain = 1
	}

	names, err := m.store.List(ctx, versionPrefix)
	if err != nil {
		return err
	}

	var versions []int64
	for _, name := range names {
		if v, ok := parseManifestName(name); ok {
			versions = append(versions, v)
		}
	}
	if len(versions) <= minVersionsToRetain {
		return nil
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	cutoff := len(versions) - minVersionsToRetain
	stale, retained := versions[:cutoff], versions[cutoff:]

	// Table files referenced by any retained version must survive.
	referenced := make(map[string]struct{})
	for _, v := range retained {
		manifest, err := m.getManifest(ctx, v)
		if err != nil {
			// Without the full reference set, deleting table files is unsafe.
			return fmt.Errorf("filemanager: read manifest %d: %w", v, err)
		}
		for _, sst := range manifest.SSTFiles {
			referenced[sst.RemoteName] = struct{}{}
		}
	}

	for _, v := range stale {
		manifest, err := m.getManifest(ctx, v)
		if err != nil {
			m.logger.Warn("skipping stale version with unreadable manifest", "version", v, "error", err)
			continue
		}

		for _, sst := range manifest.SSTFiles {
			if _, ok := referenced[sst.RemoteName]; ok {
				continue
			}
			if err := m.store.Delete(ctx, sst.RemoteName); err != nil {
				m.logger.Warn("failed to delete table file", "name", sst.RemoteName, "error", err)
			}
		}
		for _, aux := range manifest.AuxFiles {
			if err := m.store.Delete(ctx, auxRemoteName(v, aux)); err != nil {
				m.logger.Warn("failed to delete aux file", "version", v, "name", aux, "error", err)
			}
		}
		// Manifest last, so a failed sweep can be retried.
		if err := m.store.Delete(ctx, manifestName(v)); err != nil {
			m.logger.Warn("failed to delete manifest", "version", v, "error", err)
			continue
		}
		m.logger.Info("deleted old version", "version", v)
	}
	return nil
}

func manifestName(version int64) string {
	return fmt.Sprintf("%s%d.json.zst", versionPrefix, version)
}

func parseManifestName(name string) (int64, bool) {
	base := strings.TrimPrefix(name, versionPrefix)
	base = strings.TrimSuffix(base, ".json.zst")
	v, err := strconv.ParseInt(base, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func auxRemoteName(version int64, name string) string {
	return path.Join(auxPrefix+strconv.FormatInt(version, 10), name) + ".zst"
}

func (m *Manager) putManifest(ctx context.Context, manifest Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, manifestName(manifest.Version), bytes.NewReader(compressed), int64(len(compressed)))
}

func (m *Manager) getManifest(ctx context.Context, version int64) (*Manifest, error) {
	rc, err := m.store.Open(ctx, manifestName(version))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := decompress(rc)
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("filemanager: decode manifest %d: %w", version, err)
	}
	if manifest.FormatVersion != manifestFormatVersion {
		return nil, fmt.Errorf("filemanager: unsupported manifest format %d", manifest.FormatVersion)
	}
	return &manifest, nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// resetDirExcept clears dir but keeps regular files whose name and size match
// a kept table file.
func resetDirExcept(dir string, keep map[string]SSTFile) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			if sst, ok := keep[name]; ok {
				if info, err := entry.Info(); err == nil && info.Size() == sst.SizeBytes {
					continue
				}
			}
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
