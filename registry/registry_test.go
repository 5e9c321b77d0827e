package registry

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/distoci/distoci/auth"
	ocidigest "github.com/distoci/distoci/digest"
	"github.com/distoci/distoci/reference"
)

func testRef(t *testing.T, host, repo string) reference.Ref {
	t.Helper()
	return reference.Ref{Registry: host, Repository: repo, Tag: "latest"}
}

func newTestRegistry(srv *httptest.Server, provider auth.Provider) *Registry {
	return New(Options{AuthProvider: provider, HTTPClient: srv.Client()})
}

func hostOf(srv *httptest.Server) string {
	return srv.Listener.Addr().String()
}

func TestBlobExistsOkAndMissing(t *testing.T) {
	content := []byte("blob-data")
	dgst := ocidigest.FromBytes(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/v2/lib/x/blobs/"+string(dgst) {
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			w.Header().Set("Docker-Content-Digest", string(dgst))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")

	desc, ok, err := reg.BlobExists(context.Background(), ref, dgst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(len(content)), desc.Size)

	_, ok, err = reg.BlobExists(context.Background(), ref, ocidigest.FromBytes([]byte("other")))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlobGetVerifiesDigestWithRedirect(t *testing.T) {
	content := []byte("blob-data")
	dgst := ocidigest.FromBytes(content)

	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.Write(content)
	}))
	defer target.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer origin.Close()

	reg := New(Options{HTTPClient: origin.Client()})
	ref := testRef(t, hostOf(origin), "lib/x")

	rc, _, err := reg.BlobGet(context.Background(), ref, dgst)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, content, got)
}

func TestBlobGetDigestMismatch(t *testing.T) {
	content := []byte("blob-data")
	wrongDigest := ocidigest.FromBytes([]byte("not-this"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")

	rc, _, err := reg.BlobGet(context.Background(), ref, wrongDigest)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.Error(t, err)
	require.IsType(t, &ocidigest.ErrDigestMismatch{}, err)
}

func TestPushBlobSkipsExisting(t *testing.T) {
	content := []byte("foobar")
	dgst := ocidigest.FromBytes(content)
	var postCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			postCalls++
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")

	desc, err := reg.PushBlob(context.Background(), ref, dgst, NewBytesSource(content), 0)
	require.NoError(t, err)
	require.Equal(t, dgst, desc.Digest)
	require.Equal(t, 0, postCalls)
}

func TestPushBlobMonolithicWithRelativeLocation(t *testing.T) {
	content := []byte("foobar")
	dgst := ocidigest.FromBytes(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/foobar-upload")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			require.Equal(t, "/foobar-upload", r.URL.Path)
			require.Equal(t, string(dgst), r.URL.Query().Get("digest"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.Equal(t, content, body)
			w.Header().Set("Docker-Content-Digest", string(dgst))
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")

	desc, err := reg.PushBlob(context.Background(), ref, dgst, NewBytesSource(content), 0)
	require.NoError(t, err)
	require.Equal(t, dgst, desc.Digest)
}

// TestPushBlobChunkedResumesOn416 simulates a registry that rejects the
// first PATCH with 416 (as if it already held the first six bytes from a
// prior attempt), forcing the client to seek to the reported Range and
// resume chunked upload from there.
func TestPushBlobChunkedResumesOn416(t *testing.T) {
	content := []byte("abcdefghijkl")
	dgst := ocidigest.FromBytes(content)

	var patchCalls int
	var gotChunks [][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			w.Header().Set("Location", "/v2/lib/x/uploads/1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPatch:
			patchCalls++
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			if patchCalls == 1 {
				w.Header().Set("Range", "0-5")
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			gotChunks = append(gotChunks, body)
			w.Header().Set("Location", "/v2/lib/x/uploads/1")
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPut:
			require.Equal(t, string(dgst), r.URL.Query().Get("digest"))
			w.Header().Set("Docker-Content-Digest", string(dgst))
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")

	desc, err := reg.PushBlob(context.Background(), ref, dgst, NewBytesSource(content), 4)
	require.NoError(t, err)
	require.Equal(t, dgst, desc.Digest)
	require.Equal(t, int64(len(content)), desc.Size)

	// the first chunk (bytes 0-3) was 416'd; the resumed chunks cover
	// bytes 6-9 and 10-11, never replaying bytes 0-5.
	require.Equal(t, [][]byte{[]byte("ghij"), []byte("kl")}, gotChunks)
}

// TestMountBlobFallsBackOnNotSupported covers a registry that doesn't
// support cross-repo mount: it answers 202 Accepted with a Location
// instead of 201 Created, and MountBlob must report mounted=false while
// still handing back that Location.
func TestMountBlobFallsBackOnNotSupported(t *testing.T) {
	dgst := ocidigest.FromBytes([]byte("layer-bytes"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/lib/dest/blobs/uploads/", r.URL.Path)
		require.Equal(t, string(dgst), r.URL.Query().Get("mount"))
		require.Equal(t, "lib/src", r.URL.Query().Get("from"))
		w.Header().Set("Location", "/v2/lib/dest/uploads/1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/dest")

	mounted, loc, err := reg.MountBlob(context.Background(), ref, dgst, "lib/src")
	require.NoError(t, err)
	require.False(t, mounted)
	require.NotNil(t, loc)
	require.Equal(t, "/v2/lib/dest/uploads/1", loc.Path)
}

// TestMountBlobSucceeds covers the 201 Created path: the registry already
// has dgst in fromRepo and mounts it directly, no Location needed.
func TestMountBlobSucceeds(t *testing.T) {
	dgst := ocidigest.FromBytes([]byte("layer-bytes"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/dest")

	mounted, loc, err := reg.MountBlob(context.Background(), ref, dgst, "lib/src")
	require.NoError(t, err)
	require.True(t, mounted)
	require.Nil(t, loc)
}

func TestManifestHeadErrors(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		status  int
		wantMsg string
	}{
		{"no content type", map[string]string{}, http.StatusNoContent, "Content type not found in headers"},
		{"no digest", map[string]string{"Content-Type": ocispec.MediaTypeImageManifest}, http.StatusNoContent, "Manifest digest not found in headers"},
		{"unsupported type", map[string]string{"Content-Type": "application/json", "Docker-Content-Digest": "sha256:aaaa"}, http.StatusNoContent, "Unsupported content type: application/json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			reg := newTestRegistry(srv, nil)
			ref := testRef(t, hostOf(srv), "lib/x")
			_, err := reg.ManifestHead(context.Background(), ref)
			require.Error(t, err)
			require.Equal(t, tc.wantMsg, err.Error())
		})
	}
}

func TestTagsListFollowsLinkHeader(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			w.Header().Set("Link", `</v2/lib/x/tags/list?last=latest>; rel="next"`)
			fmt.Fprint(w, `{"name":"lib/x","tags":["latest"]}`)
			return
		}
		fmt.Fprint(w, `{"name":"lib/x","tags":["0.1.1"]}`)
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")
	it := reg.Tags(context.Background(), ref, 0)

	var tags []string
	for {
		tag, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		tags = append(tags, tag)
	}
	require.Equal(t, []string{"latest", "0.1.1"}, tags)
	require.Equal(t, 2, page)
}

func TestTagsListBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic bXl1c2VyOm15cGFzcw==" {
			w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"name":"lib/x","tags":["latest","0.1.1"]}`)
	}))
	defer srv.Close()

	provider := auth.Static{Username: "myuser", Password: "mypass"}
	reg := newTestRegistry(srv, provider)
	ref := testRef(t, hostOf(srv), "lib/x")

	tag, ok, err := reg.Tags(context.Background(), ref, 0).Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "latest", tag)
	_ = base64.StdEncoding
}

func TestErrorStatusPropagation(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusRequestTimeout} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		reg := newTestRegistry(srv, nil)
		reg.retryPolicy.MaxAttempts = 1
		reg.retryPolicy.BaseDelay = time.Millisecond
		ref := testRef(t, hostOf(srv), "lib/x")

		_, _, err := reg.BlobGet(context.Background(), ref, ocidigest.FromBytes([]byte("x")))
		require.Error(t, err)
		var te *TransportError
		require.ErrorAs(t, err, &te)
		require.Equal(t, code, te.StatusCode)
		srv.Close()
	}
}

func TestReferrersFallsBackToTagSchema(t *testing.T) {
	dgst := ocidigest.FromBytes([]byte("subject"))
	idxBytes := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","manifests":[]}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/lib/x/referrers/" + string(dgst):
			w.WriteHeader(http.StatusNotFound)
		case "/v2/lib/x/manifests/" + tagSchemaName(dgst):
			w.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
			w.Header().Set("Docker-Content-Digest", string(ocidigest.FromBytes(idxBytes)))
			w.Write(idxBytes)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := newTestRegistry(srv, nil)
	ref := testRef(t, hostOf(srv), "lib/x")
	idx, err := reg.Referrers(context.Background(), ref, dgst)
	require.NoError(t, err)
	require.Equal(t, 2, idx.SchemaVersion)
}

func tagSchemaName(d ocidigest.Digest) string {
	s := string(d)
	for i, c := range s {
		if c == ':' {
			return s[:i] + "-" + s[i+1:]
		}
	}
	return s
}
