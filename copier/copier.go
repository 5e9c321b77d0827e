// Package copier pulls a manifest graph from a registry into an OCI
// Image Layout, or pushes one in reverse, deduplicating by digest
// equality and fully sequentially: it spawns no goroutines of its own,
// so any fan-out is the caller's responsibility.
package copier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocidigest "github.com/distoci/distoci/digest"
	"github.com/distoci/distoci/layout"
	"github.com/distoci/distoci/reference"
	"github.com/distoci/distoci/registry"
)

// Copy pulls the manifest graph rooted at ref from reg into lay, then
// registers the top-level descriptor under ref's tag (if any). The walk
// is fail-fast: the first error aborts it, with already-written blobs
// left in place (they are content-addressed and idempotent) and any
// partial temp files cleaned up by layout.PutBlob itself.
func Copy(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout) error {
	desc, err := reg.ManifestHead(ctx, ref)
	if err != nil {
		return err
	}
	if err := copyNode(ctx, reg, ref, lay, desc); err != nil {
		return err
	}
	return lay.AddManifestToIndex(ctx, desc, ref.Tag)
}

// copyNode fetches the manifest or index bytes for desc (resolved via
// ref), writes them as a blob, and recurses into children. ref must
// resolve to desc's digest (the caller is responsible for that binding
// at the root; descendants are addressed by digest directly).
func copyNode(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout, desc registry.Descriptor) error {
	switch {
	case registry.KnownIndexTypes[desc.MediaType]:
		return copyIndex(ctx, reg, ref, lay, desc)
	case registry.KnownManifestTypes[desc.MediaType]:
		return copyManifest(ctx, reg, ref, lay, desc)
	default:
		return fmt.Errorf("copier: unsupported content type: %s", desc.MediaType)
	}
}

func copyIndex(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout, desc registry.Descriptor) error {
	body, _, err := reg.ManifestGet(ctx, ref)
	if err != nil {
		return err
	}
	if err := putJSONBlob(ctx, lay, desc.Digest, body); err != nil {
		return err
	}

	var idx registry.Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return err
	}
	for _, child := range idx.Manifests {
		childRef := reference.Ref{Registry: ref.Registry, Repository: ref.Repository, Digest: child.Digest}
		if err := copyNode(ctx, reg, childRef, lay, child); err != nil {
			return err
		}
	}
	return nil
}

func copyManifest(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout, desc registry.Descriptor) error {
	body, _, err := reg.ManifestGet(ctx, ref)
	if err != nil {
		return err
	}
	if err := putJSONBlob(ctx, lay, desc.Digest, body); err != nil {
		return err
	}

	var m registry.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return err
	}

	blobs := append([]registry.Descriptor{m.Config}, m.Layers...)
	for _, b := range blobs {
		if err := copyBlob(ctx, reg, ref, lay, b.Digest); err != nil {
			return err
		}
	}
	return nil
}

// copyBlob downloads d from reg's repository into lay, skipping the
// download entirely if the blob is already present.
func copyBlob(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout, d ocidigest.Digest) error {
	if lay.BlobExists(d) {
		return nil
	}
	rc, size, err := reg.BlobGet(ctx, ref, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return lay.PutBlob(ctx, d, rc, size)
}

func putJSONBlob(ctx context.Context, lay *layout.Layout, d ocidigest.Digest, body []byte) error {
	if lay.BlobExists(d) {
		return nil
	}
	return lay.PutBlob(ctx, d, bytes.NewReader(body), int64(len(body)))
}

// Push is the dual of Copy: it resolves refName's top-level descriptor
// from lay's index.json, walks the graph, pushes each blob (HEAD-first
// to skip), then PUTs the top-level manifest under ref itself (by tag
// when ref carries one, so the pushed image is retrievable by that
// tag). Descendant manifests reached while walking an index are PUT by
// digest only, strictly before the manifest referencing them, so the
// registry never sees a dangling reference.
func Push(ctx context.Context, lay *layout.Layout, refName string, reg *registry.Registry, ref reference.Ref) error {
	desc, ok, err := lay.Resolve(refName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("copier: no entry for ref name %q in layout index", refName)
	}
	if err := pushNode(ctx, lay, reg, ref, desc); err != nil {
		return err
	}
	body, err := readBlob(lay, desc.Digest)
	if err != nil {
		return err
	}
	_, err = reg.ManifestPut(ctx, ref, desc.MediaType, body)
	return err
}

func pushNode(ctx context.Context, lay *layout.Layout, reg *registry.Registry, ref reference.Ref, desc registry.Descriptor) error {
	body, err := readBlob(lay, desc.Digest)
	if err != nil {
		return err
	}
	switch {
	case registry.KnownIndexTypes[desc.MediaType]:
		var idx registry.Index
		if err := json.Unmarshal(body, &idx); err != nil {
			return err
		}
		for _, child := range idx.Manifests {
			if err := pushNode(ctx, lay, reg, ref, child); err != nil {
				return err
			}
			if err := pushManifestDescriptor(ctx, lay, reg, ref, child); err != nil {
				return err
			}
		}
		return nil
	case registry.KnownManifestTypes[desc.MediaType]:
		var m registry.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		blobs := append([]registry.Descriptor{m.Config}, m.Layers...)
		for _, b := range blobs {
			if err := pushBlob(ctx, lay, reg, ref, b.Digest); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("copier: unsupported content type: %s", desc.MediaType)
	}
}

// pushManifestDescriptor PUTs a non-top-level manifest/index descriptor's
// bytes so that child manifest is present before the caller PUTs its parent.
func pushManifestDescriptor(ctx context.Context, lay *layout.Layout, reg *registry.Registry, ref reference.Ref, desc registry.Descriptor) error {
	body, err := readBlob(lay, desc.Digest)
	if err != nil {
		return err
	}
	digestRef := ref
	digestRef.Tag = ""
	digestRef.Digest = desc.Digest
	_, err = reg.ManifestPut(ctx, digestRef, desc.MediaType, body)
	return err
}

func pushBlob(ctx context.Context, lay *layout.Layout, reg *registry.Registry, ref reference.Ref, d ocidigest.Digest) error {
	if _, ok, err := reg.BlobExists(ctx, ref, d); err != nil {
		return err
	} else if ok {
		return nil
	}
	body, err := readBlob(lay, d)
	if err != nil {
		return err
	}
	_, err = reg.PushBlob(ctx, ref, d, registry.NewBytesSource(body), 0)
	return err
}

func readBlob(lay *layout.Layout, d ocidigest.Digest) ([]byte, error) {
	rc, err := lay.GetBlob(d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
