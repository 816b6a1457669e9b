package filemanager

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// throttleChunk is the granularity at which transfers wait on the rate
// limiter. Must stay below the limiter burst.
const throttleChunk = 64 << 10

// throttledReader applies the manager's byte-rate limit to a transfer.
type throttledReader struct {
	r       io.Reader
	ctx     context.Context
	limiter interface {
		WaitN(ctx context.Context, n int) error
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (m *Manager) throttle(ctx context.Context, r io.Reader) io.Reader {
	if m.limiter == nil {
		return r
	}
	return &throttledReader{r: r, ctx: ctx, limiter: m.limiter}
}

// uploadRaw streams a local file to the blobstore unmodified.
func (m *Manager) uploadRaw(ctx context.Context, localPath, remoteName string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return m.store.Put(ctx, remoteName, m.throttle(ctx, f), size)
}

// uploadCompressed zstd-compresses a local file into the blobstore. The
// upload size is unknown up front.
func (m *Manager) uploadCompressed(ctx context.Context, localPath, remoteName string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// Small engine metadata files; compress in memory rather than piping.
	data, err := io.ReadAll(m.throttle(ctx, f))
	if err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, remoteName, bytes.NewReader(compressed), int64(len(compressed)))
}

// downloadRaw streams a blob into a local file, fsynced before rename into
// place so a crashed download never leaves a partial file.
func (m *Manager) downloadRaw(ctx context.Context, remoteName, localPath string) error {
	rc, err := m.store.Open(ctx, remoteName)
	if err != nil {
		return err
	}
	defer rc.Close()

	return writeFileAtomic(localPath, m.throttle(ctx, rc))
}

// downloadCompressed streams a zstd blob into a local file, decompressed.
func (m *Manager) downloadCompressed(ctx context.Context, remoteName, localPath string) error {
	rc, err := m.store.Open(ctx, remoteName)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec, err := zstd.NewReader(m.throttle(ctx, rc))
	if err != nil {
		return err
	}
	defer dec.Close()

	return writeFileAtomic(localPath, dec)
}

func writeFileAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(r io.Reader) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
