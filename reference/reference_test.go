package reference

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	r, err := Parse("library/alpine")
	require.NoError(t, err)
	require.Equal(t, DefaultRegistry, r.Registry)
	require.Equal(t, "library/alpine", r.Repository)
	require.Equal(t, DefaultTag, r.Tag)
	require.Empty(t, r.Digest)
}

func TestParseDockerHubShorthandExpands(t *testing.T) {
	r, err := Parse("alpine")
	require.NoError(t, err)
	require.Equal(t, "library/alpine", r.Repository)
}

func TestParseExplicitHostPort(t *testing.T) {
	r, err := Parse("localhost:5000/library/x:0.1.1")
	require.NoError(t, err)
	require.Equal(t, "localhost:5000", r.Registry)
	require.Equal(t, "library/x", r.Repository)
	require.Equal(t, "0.1.1", r.Tag)
}

func TestParseHostWithDot(t *testing.T) {
	r, err := Parse("registry.example.com/ns/repo:latest")
	require.NoError(t, err)
	require.Equal(t, "registry.example.com", r.Registry)
	require.Equal(t, "ns/repo", r.Repository)
}

func TestParseDigestReference(t *testing.T) {
	const d = "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	r, err := Parse("localhost:5000/library/x@" + d)
	require.NoError(t, err)
	require.Equal(t, d, string(r.Digest))
	require.Empty(t, r.Tag)
}

func TestParseRejectsInvalidRepoSegment(t *testing.T) {
	_, err := Parse("localhost:5000/Library/X:latest")
	require.Error(t, err)
	require.IsType(t, &ErrInvalidReference{}, err)
}

func TestParseRejectsInvalidTag(t *testing.T) {
	_, err := Parse("localhost:5000/library/x::bad")
	require.Error(t, err)
}

func TestParseRoundTripsString(t *testing.T) {
	in := "localhost:5000/library/x:0.1.1"
	r, err := Parse(in)
	require.NoError(t, err)
	r2, err := Parse(r.String())
	require.NoError(t, err)
	require.Equal(t, r, r2)
}

func TestParseForRegistry(t *testing.T) {
	r := ParseForRegistry("localhost:5000")
	require.Equal(t, "localhost:5000", r.Registry)
	require.Empty(t, r.Repository)
}

func TestTagOrDigestPrefersDigest(t *testing.T) {
	const d = "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	r := Ref{Registry: "r", Repository: "x", Tag: "latest", Digest: d}
	td, err := r.TagOrDigest()
	require.NoError(t, err)
	require.Equal(t, d, td)
}
