// Package layout implements the OCI Image Layout v1.0.0 on-disk format:
// a content-addressable blob store plus an index.json of top-level
// references, materialized atomically via the adapted
// internal/rwfs package.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	imagespec "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	ocidigest "github.com/distoci/distoci/digest"
	"github.com/distoci/distoci/internal/rwfs"
)

// Descriptor and Index are the OCI image-spec's own representation, same
// as the registry package's aliases: the on-disk index.json IS this
// type marshaled to JSON.
type (
	Descriptor = ocispec.Descriptor
	Index      = ocispec.Index
)

const (
	indexFile    = "index.json"
	indexLock    = "index.json.lock"
	layoutFile   = ocispec.ImageLayoutFile
	layoutVer    = ocispec.ImageLayoutVersion
	blobsDir     = "blobs"
	lockRetry    = 20 * time.Millisecond
	lockMaxTries = 500 // ~10s worst case
)

// IncompatibleLayoutError reports an existing root whose imageLayoutVersion
// does not match layoutVer.
type IncompatibleLayoutError struct {
	Found string
}

func (e *IncompatibleLayoutError) Error() string {
	return fmt.Sprintf("incompatible OCI layout version: %q", e.Found)
}

// NotFoundError reports a missing blob in the layout, matching the
// shared NotFound kind.
type NotFoundError struct {
	Digest ocidigest.Digest
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.Digest)
}

// Layout is an OCI Image Layout store rooted at a single directory.
type Layout struct {
	root string
	fsys rwfs.RWFS

	// mu serializes index.json read-modify-write within this process;
	// the index.json.lock file extends that serialization across
	// processes sharing the same root.
	mu sync.Mutex
}

// Open initializes or opens an OCI Image Layout at root. A missing
// oci-layout/index.json pair is created atomically; an existing one is
// checked for version compatibility.
func Open(root string) (*Layout, error) {
	fsys, err := rwfs.NewOSFS(root)
	if err != nil {
		return nil, err
	}
	l := &Layout{root: root, fsys: fsys}
	if err := l.init(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layout) init() error {
	data, err := rwfs.ReadFile(l.fsys, layoutFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := writeJSONAtomic(l.fsys, layoutFile, ocispec.ImageLayout{Version: layoutVer}); err != nil {
			return err
		}
		return writeJSONAtomic(l.fsys, indexFile, Index{Versioned: imagespec.Versioned{SchemaVersion: 2}, MediaType: ocispec.MediaTypeImageIndex})
	}
	var existing ocispec.ImageLayout
	if err := json.Unmarshal(data, &existing); err != nil {
		return &IncompatibleLayoutError{Found: string(data)}
	}
	if existing.Version != layoutVer {
		return &IncompatibleLayoutError{Found: existing.Version}
	}
	return nil
}

func writeJSONAtomic(fsys rwfs.WriteFS, name string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := name + ".tmp"
	if err := rwfs.WriteFile(fsys, tmp, body, 0o644); err != nil {
		return err
	}
	return atomicRename(fsys, tmp, name)
}

// atomicRename renames oldname to newname, falling back to
// remove-then-rename for filesystems that refuse to replace an existing
// file in place.
func atomicRename(fsys rwfs.WriteFS, oldname, newname string) error {
	if err := fsys.Rename(oldname, newname); err != nil {
		if rmErr := fsys.Remove(newname); rmErr == nil {
			return fsys.Rename(oldname, newname)
		}
		return err
	}
	return nil
}

func blobPath(d ocidigest.Digest) string {
	return fmt.Sprintf("%s/%s/%s", blobsDir, d.Algorithm(), d.Encoded())
}

// BlobExists reports whether a blob file for d is already materialized.
func (l *Layout) BlobExists(d ocidigest.Digest) bool {
	_, err := rwfs.Stat(l.fsys, blobPath(d))
	return err == nil
}

// PutBlob streams r into the content-addressed store under d, verifying
// the running digest as bytes are written. If the final blob already
// exists, the write is skipped (idempotent) but r is still fully
// consumed and discarded, since callers that stream from the network
// need the body drained regardless. A digest mismatch removes the
// partial temp file and returns a *digest.ErrDigestMismatch.
func (l *Layout) PutBlob(ctx context.Context, d ocidigest.Digest, r io.Reader, size int64) error {
	if l.BlobExists(d) {
		_, err := io.Copy(io.Discard, r)
		return err
	}

	dir := fmt.Sprintf("%s/%s", blobsDir, d.Algorithm())
	if err := rwfs.MkdirAll(l.fsys, dir, 0o755); err != nil {
		return err
	}

	tmpName := blobPath(d) + ".tmp"
	f, err := l.fsys.OpenFile(tmpName, rwfs.O_WRONLY|rwfs.O_CREATE|rwfs.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	vr := ocidigest.NewVerifyingReader(r, d.Algorithm())
	_, copyErr := io.Copy(f, ctxReader{ctx: ctx, r: vr})
	closeErr := f.Close()
	if copyErr != nil {
		l.fsys.Remove(tmpName)
		return copyErr
	}
	if closeErr != nil {
		l.fsys.Remove(tmpName)
		return closeErr
	}

	actual := vr.Digest()
	if verr := ocidigest.Verify(d, actual); verr != nil {
		l.fsys.Remove(tmpName)
		return verr
	}

	return atomicRename(l.fsys, tmpName, blobPath(d))
}

// ctxReader aborts a Read once ctx is done, so a blob write honors
// cancellation without needing a helper goroutine.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}

// GetBlob opens a reader over the blob stored under d. Missing blobs
// fail with a *NotFoundError.
func (l *Layout) GetBlob(d ocidigest.Digest) (io.ReadCloser, error) {
	f, err := l.fsys.Open(blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Digest: d}
		}
		return nil, err
	}
	return f, nil
}

// readIndex loads and parses index.json.
func (l *Layout) readIndex() (Index, error) {
	data, err := rwfs.ReadFile(l.fsys, indexFile)
	if err != nil {
		return Index{}, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// AddManifestToIndex registers desc as a top-level reference in
// index.json. When refName is non-empty, any existing entry whose
// org.opencontainers.image.ref.name annotation equals refName is
// replaced (a tag re-point); the new entry carries that annotation.
// Untagged references are appended without the annotation. Duplicates by
// digest are deduplicated. The read-modify-write window is serialized by
// an in-process mutex plus an index.json.lock file for cross-process
// safety.
func (l *Layout) AddManifestToIndex(ctx context.Context, desc Descriptor, refName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.acquireFileLock(ctx); err != nil {
		return err
	}
	defer l.releaseFileLock()

	idx, err := l.readIndex()
	if err != nil {
		return err
	}

	if refName != "" {
		if desc.Annotations == nil {
			desc.Annotations = map[string]string{}
		}
		desc.Annotations[ocispec.AnnotationRefName] = refName
	}

	filtered := idx.Manifests[:0]
	for _, m := range idx.Manifests {
		if refName != "" && m.Annotations[ocispec.AnnotationRefName] == refName {
			continue // tag re-point: drop the old entry for this name
		}
		if refName == "" && m.Digest == desc.Digest {
			continue // dedup by digest for untagged entries
		}
		filtered = append(filtered, m)
	}
	idx.Manifests = append(filtered, desc)

	return writeJSONAtomic(l.fsys, indexFile, idx)
}

// Manifests returns the current top-level index entries.
func (l *Layout) Manifests() ([]Descriptor, error) {
	idx, err := l.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Manifests, nil
}

// Resolve finds the top-level descriptor registered under refName. A
// missing entry returns ok=false.
func (l *Layout) Resolve(refName string) (Descriptor, bool, error) {
	idx, err := l.readIndex()
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, m := range idx.Manifests {
		if m.Annotations[ocispec.AnnotationRefName] == refName {
			return m, true, nil
		}
	}
	return Descriptor{}, false, nil
}

func (l *Layout) acquireFileLock(ctx context.Context) error {
	for i := 0; i < lockMaxTries; i++ {
		f, err := l.fsys.OpenFile(indexLock, rwfs.O_CREATE|rwfs.O_EXCL|rwfs.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetry):
		}
	}
	return fmt.Errorf("layout: timed out acquiring %s", indexLock)
}

func (l *Layout) releaseFileLock() {
	l.fsys.Remove(indexLock)
}
