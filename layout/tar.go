package layout

import (
	"io"

	"github.com/docker/docker/pkg/archive"
)

// ExportTar packages the layout root as an uncompressed tar stream,
// suitable for distributing an OCI Image Layout as a single file.
func (l *Layout) ExportTar(w io.Writer) error {
	rc, err := archive.Tar(l.root, archive.Uncompressed)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// ImportTar extracts a tar stream previously produced by ExportTar (or
// any OCI Image Layout tarball) into the layout root, then re-validates
// the resulting oci-layout version.
func (l *Layout) ImportTar(r io.Reader) error {
	if err := archive.Untar(r, l.root, &archive.TarOptions{NoLchown: true}); err != nil {
		return err
	}
	return l.init()
}
