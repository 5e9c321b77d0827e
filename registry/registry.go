// Package registry implements the OCI Distribution Specification client:
// blob and manifest transfer against a remote registry's /v2/ API.
//
// Requests are built with url.URL{Scheme,Host,Path}, run through the
// auth negotiator, and their JSON bodies decoded directly. It covers the
// full protocol surface: HEAD-before-upload, monolithic and chunked blob
// upload, cross-repo mount, referrers with tag-schema fallback, and
// manifest header validation.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	imagespec "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/distoci/distoci/auth"
	ocidigest "github.com/distoci/distoci/digest"
	"github.com/distoci/distoci/reference"
	"github.com/distoci/distoci/transport"
)

// Docker media types accepted alongside their OCI equivalents, since many
// registries still serve Docker v2 schema2 manifests by default.
const (
	MediaTypeDocker2Manifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDocker2ManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// KnownManifestTypes and KnownIndexTypes classify the content types this
// client treats as a single image manifest vs. a manifest list/index,
// shared with the copier package's graph walk.
var KnownManifestTypes = map[string]bool{
	ocispec.MediaTypeImageManifest: true,
	MediaTypeDocker2Manifest:       true,
}

var KnownIndexTypes = map[string]bool{
	ocispec.MediaTypeImageIndex:  true,
	MediaTypeDocker2ManifestList: true,
}

// Descriptor, Manifest and Index are the OCI image-spec's own Go
// representation: the wire format IS this type, so no struct duplicates
// it for the client surface.
type (
	Descriptor = ocispec.Descriptor
	Manifest   = ocispec.Manifest
	Index      = ocispec.Index
)

// emptyConfigBytes and its descriptor, the canonical empty-config JSON
// ("{}") used by artifact manifests with no meaningful config.
var emptyConfigBytes = []byte("{}")

// EmptyConfigDescriptor is the descriptor of the canonical empty JSON
// config object used by artifact manifests that carry no config.
func EmptyConfigDescriptor() Descriptor {
	return Descriptor{
		MediaType: ocispec.MediaTypeEmptyJSON,
		Digest:    ocidigest.FromBytes(emptyConfigBytes),
		Size:      int64(len(emptyConfigBytes)),
	}
}

// Options configures New. A single struct constructed once is sufficient;
// there is no runtime mutation after build.
type Options struct {
	// AuthProvider resolves credentials for a host. Anonymous if nil.
	AuthProvider auth.Provider
	// Insecure disables TLS certificate verification on the client built
	// by transport.New. It does not pick the URL scheme: requests use
	// http only for localhost and 127.0.0.1 hosts, and https otherwise.
	Insecure bool
	// HTTPClient overrides the transport used for all requests; built
	// from Insecure via transport.New when nil.
	HTTPClient *http.Client
	// RetryPolicy overrides the default transient-failure retry policy.
	RetryPolicy *transport.RetryPolicy
}

// Registry is a client for a single logical registry deployment, reused
// across any number of repositories reachable from it. It owns its
// transport, auth negotiator, and credential provider reference, and is
// safe for concurrent use: the only shared mutable state is the
// negotiator's token cache, which is
// mutex-guarded.
type Registry struct {
	client      *http.Client
	negotiator  *auth.Negotiator
	retryPolicy transport.RetryPolicy
}

// New returns a Registry configured per opts.
func New(opts Options) *Registry {
	client := opts.HTTPClient
	if client == nil {
		client = transport.New(transport.Options{Insecure: opts.Insecure})
	}
	policy := transport.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}
	return &Registry{
		client:      client,
		negotiator:  auth.NewNegotiator(opts.AuthProvider, client),
		retryPolicy: policy,
	}
}

func scheme(ref reference.Ref) string {
	if ref.Registry == "localhost" || strings.HasPrefix(ref.Registry, "localhost:") ||
		strings.HasPrefix(ref.Registry, "127.0.0.1") {
		return "http"
	}
	return "https"
}

func scopeForPull(repo string) string   { return "repository:" + repo + ":pull" }
func scopeForPush(repo string) string   { return "repository:" + repo + ":pull,push" }
func scopeForDelete(repo string) string { return "repository:" + repo + ":pull,push,delete" }

func (r *Registry) buildURL(ref reference.Ref, pathSuffix string) string {
	u := url.URL{Scheme: scheme(ref), Host: ref.Registry, Path: "/v2/" + ref.Repository + pathSuffix}
	return u.String()
}

// send runs reqFn through the auth negotiator, retrying the whole
// negotiated exchange under r.retryPolicy when the result is a transient
// failure. reqFn must be replayable (called again on retry). The
// backoff/Retry-After/cancellation policy itself lives in
// transport.DoFunc; send's own job is just plugging the negotiator in as
// the per-attempt sender and translating transport's generic errors back
// into registry's own sentinel/typed errors.
func (r *Registry) send(ctx context.Context, host, scope string, reqFn func() (*http.Request, error)) (*http.Response, error) {
	resp, err := transport.DoFunc(ctx, r.retryPolicy, reqFn, func(ctx context.Context, reqFn func() (*http.Request, error)) (*http.Response, error) {
		return r.negotiator.Do(ctx, host, scope, reqFn)
	})
	if err == nil {
		return resp, nil
	}
	var cancelled *transport.ErrCancelled
	if errors.As(err, &cancelled) {
		return nil, ErrCanceled
	}
	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		return nil, &TransportError{StatusCode: statusErr.StatusCode, URL: host, Err: err}
	}
	return nil, err
}

// Ping performs GET /v2/ against host, used to warm auth ahead of a
// larger operation.
func (r *Registry) Ping(ctx context.Context, host string) error {
	u := url.URL{Scheme: scheme(reference.Ref{Registry: host}), Host: host, Path: "/v2/"}
	resp, err := r.send(ctx, host, "", func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u.String(), nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransportError{StatusCode: resp.StatusCode, URL: u.String()}
	}
	return nil
}

// checkStatus maps a response's status code to a typed error, or nil if
// it is among want.
func checkStatus(resp *http.Response, u string, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &NotFoundError{What: u}
	}
	return &TransportError{StatusCode: resp.StatusCode, URL: u}
}

// --- Blobs ---

// BlobExists issues a HEAD for dgst in ref's repository. ok is false on a
// 404; any status other than 200 is a TransportError. When the registry
// returns Docker-Content-Digest, it must equal dgst or DigestMismatch is
// raised.
func (r *Registry) BlobExists(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) (Descriptor, bool, error) {
	u := r.buildURL(ref, "/blobs/"+string(dgst))
	resp, err := r.send(ctx, ref.Registry, scopeForPull(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodHead, u, nil)
	})
	if err != nil {
		return Descriptor{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Descriptor{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Descriptor{}, false, &TransportError{StatusCode: resp.StatusCode, URL: u}
	}
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" && hdr != string(dgst) {
		return Descriptor{}, false, &ocidigest.ErrDigestMismatch{Expected: dgst, Actual: ocidigest.Digest(hdr)}
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return Descriptor{Digest: dgst, Size: size}, true, nil
}

// BlobGet streams dgst's content, verifying the downloaded bytes against
// it before returning success; the caller must read the body to
// completion (and Close it) to observe the verification error, since it
// surfaces only once the stream is exhausted.
func (r *Registry) BlobGet(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) (io.ReadCloser, int64, error) {
	u := r.buildURL(ref, "/blobs/"+string(dgst))
	resp, err := r.send(ctx, ref.Registry, scopeForPull(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, checkStatus(resp, u, http.StatusOK)
	}
	algo := dgst.Algorithm()
	return &verifyingBody{
		rc:       resp.Body,
		vr:       ocidigest.NewVerifyingReader(resp.Body, algo),
		expected: dgst,
	}, resp.ContentLength, nil
}

// verifyingBody wraps a blob response body, checking the accumulated
// digest against the expected one once the caller reaches EOF.
type verifyingBody struct {
	rc       io.ReadCloser
	vr       *ocidigest.VerifyingReader
	expected ocidigest.Digest
	checked  bool
}

func (v *verifyingBody) Read(p []byte) (int, error) {
	n, err := v.vr.Read(p)
	if err == io.EOF && !v.checked {
		v.checked = true
		if verr := ocidigest.Verify(v.expected, v.vr.Digest()); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (v *verifyingBody) Close() error { return v.rc.Close() }

// BlobDelete issues DELETE /v2/<name>/blobs/<digest>.
func (r *Registry) BlobDelete(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) error {
	u := r.buildURL(ref, "/blobs/"+string(dgst))
	resp, err := r.send(ctx, ref.Registry, scopeForDelete(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodDelete, u, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return &DeleteNotSupportedError{URL: u}
	}
	return checkStatus(resp, u, http.StatusAccepted, http.StatusNoContent)
}

// BlobSource supplies a blob's bytes for upload. Len must report the
// total byte count and must keep reporting it as bytes are read (it is
// not "remaining bytes"), since the registry requires Content-Length on
// monolithic PUTs and chunked upload relies on it to detect the final
// chunk. Seek supports resuming a chunked upload after a 416 response.
type BlobSource interface {
	io.Reader
	io.Seeker
	Len() int64
}

// bytesSource adapts a []byte into a BlobSource. total is fixed at
// construction time since bytes.Reader.Len reports only the unread
// remainder, which shrinks as the upload progresses.
type bytesSource struct {
	*bytes.Reader
	total int64
}

// NewBytesSource wraps b as a BlobSource.
func NewBytesSource(b []byte) BlobSource {
	return &bytesSource{Reader: bytes.NewReader(b), total: int64(len(b))}
}

func (b *bytesSource) Len() int64 { return b.total }

// PushBlob uploads src under dgst, skipping the upload entirely if the
// blob already exists. For a body larger than chunkSize (0 disables
// chunking), PATCH-based chunked
// upload is used; otherwise a single monolithic PUT.
func (r *Registry) PushBlob(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest, src BlobSource, chunkSize int64) (Descriptor, error) {
	if desc, ok, err := r.BlobExists(ctx, ref, dgst); err != nil {
		return Descriptor{}, err
	} else if ok {
		return desc, nil
	}

	loc, err := r.initiateUpload(ctx, ref)
	if err != nil {
		return Descriptor{}, err
	}

	total := src.Len()
	if chunkSize <= 0 || total <= chunkSize {
		if err := r.finalizeUpload(ctx, ref, loc, dgst, src, total); err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Digest: dgst, Size: total}, nil
	}

	loc, err = r.uploadChunks(ctx, ref, loc, src, total, chunkSize)
	if err != nil {
		return Descriptor{}, err
	}
	if err := r.finalizeUpload(ctx, ref, loc, dgst, nil, 0); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Digest: dgst, Size: total}, nil
}

// initiateUpload performs POST /v2/<name>/blobs/uploads/ and resolves
// the returned Location against the response's final request URL (which
// reflects any redirect the transport followed).
func (r *Registry) initiateUpload(ctx context.Context, ref reference.Ref) (*url.URL, error) {
	u := r.buildURL(ref, "/blobs/uploads/")
	resp, err := r.send(ctx, ref.Registry, scopeForPush(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, checkStatus(resp, u, http.StatusAccepted)
	}
	return resolveLocation(resp)
}

// resolveLocation resolves a response's Location header, which may be
// absolute or path-relative, against the request URL the server actually
// received (resp.Request.URL already reflects any redirect hop the
// client's CheckRedirect followed).
func resolveLocation(resp *http.Response) (*url.URL, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("registry: response missing Location header")
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid Location header %q: %w", loc, err)
	}
	if locURL.IsAbs() {
		return locURL, nil
	}
	return resp.Request.URL.ResolveReference(locURL), nil
}

// finalizeUpload issues the closing PUT, appending ?digest=<dgst> while
// preserving any existing query string on loc. When src is non-nil its
// full contents are sent as the request body (monolithic path);
// otherwise the body is empty (chunked path, where all bytes were
// already PATCHed). src is rewound to its start before every attempt so
// a retried PUT resends the whole body, not whatever was left unread by
// the previous attempt.
func (r *Registry) finalizeUpload(ctx context.Context, ref reference.Ref, loc *url.URL, dgst ocidigest.Digest, src BlobSource, size int64) error {
	q := loc.Query()
	q.Set("digest", string(dgst))
	final := *loc
	final.RawQuery = q.Encode()

	resp, err := r.send(ctx, ref.Registry, scopeForPush(ref.Repository), func() (*http.Request, error) {
		var body io.Reader
		if src != nil {
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			body = src
		}
		req, err := http.NewRequest(http.MethodPut, final.String(), body)
		if err != nil {
			return nil, err
		}
		if src != nil {
			req.ContentLength = size
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, final.String(), http.StatusCreated)
}

// uploadChunks PATCHes src in chunkSize-sized pieces, following each
// response's Location for the next chunk and resuming from the server's
// reported Range on a 416.
func (r *Registry) uploadChunks(ctx context.Context, ref reference.Ref, loc *url.URL, src BlobSource, total, chunkSize int64) (*url.URL, error) {
	var offset int64
	buf := make([]byte, chunkSize)
	for offset < total {
		n, err := io.ReadFull(src, buf[:min64(chunkSize, total-offset)])
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		chunk := buf[:n]
		start, end := offset, offset+int64(n)-1

		resp, err := r.send(ctx, ref.Registry, scopeForPush(ref.Repository), func() (*http.Request, error) {
			req, err := http.NewRequest(http.MethodPatch, loc.String(), bytes.NewReader(chunk))
			if err != nil {
				return nil, err
			}
			req.ContentLength = int64(len(chunk))
			req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", start, end))
			req.Header.Set("Content-Type", "application/octet-stream")
			return req, nil
		})
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			resp.Body.Close()
			resumeAt, rerr := parseRangeHeader(resp.Header.Get("Range"))
			if rerr != nil {
				return nil, rerr
			}
			if _, err := src.Seek(resumeAt, io.SeekStart); err != nil {
				return nil, err
			}
			offset = resumeAt
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return nil, checkStatus(resp, loc.String(), http.StatusAccepted)
		}
		next, err := resolveLocation(resp)
		if err != nil {
			return nil, err
		}
		loc = next
		offset += int64(n)
	}
	return loc, nil
}

func parseRangeHeader(h string) (int64, error) {
	// server echoes the accepted range as "0-<last-byte>"
	_, after, ok := strings.Cut(h, "-")
	if !ok {
		return 0, fmt.Errorf("registry: malformed Range header %q", h)
	}
	last, err := strconv.ParseInt(after, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("registry: malformed Range header %q: %w", h, err)
	}
	return last + 1, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MountBlob attempts a cross-repo mount of dgst from fromRepo into ref's
// repository. mounted is true on a 201 success, and loc is then nil.
// On a 202 the registry did not mount the blob and opened an upload
// session instead: mounted is false and loc is that session's resolved
// Location. PushBlob does not take loc; it opens a session of its own.
func (r *Registry) MountBlob(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest, fromRepo string) (mounted bool, loc *url.URL, err error) {
	u := r.buildURL(ref, "/blobs/uploads/")
	q := url.Values{"mount": {string(dgst)}, "from": {fromRepo}}
	full := u + "?" + q.Encode()

	resp, err := r.send(ctx, ref.Registry, scopeForPush(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, full, nil)
	})
	if err != nil {
		return false, nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil, nil
	case http.StatusAccepted:
		l, err := resolveLocation(resp)
		return false, l, err
	default:
		return false, nil, checkStatus(resp, full, http.StatusCreated, http.StatusAccepted)
	}
}

// --- Manifests ---

func acceptHeaders(req *http.Request) {
	for mt := range KnownManifestTypes {
		req.Header.Add("Accept", mt)
	}
	for mt := range KnownIndexTypes {
		req.Header.Add("Accept", mt)
	}
}

// ManifestHead checks existence and resolves the descriptor for ref
// without downloading the body, used by the copier's HEAD-first policy.
// A missing or unsupported Content-Type, or a missing
// Docker-Content-Digest, fails with InvalidManifestHeadersError naming
// exactly which header was missing or unsupported.
func (r *Registry) ManifestHead(ctx context.Context, ref reference.Ref) (Descriptor, error) {
	tagOrDigest, err := ref.TagOrDigest()
	if err != nil {
		return Descriptor{}, err
	}
	u := r.buildURL(ref, "/manifests/"+tagOrDigest)
	resp, err := r.send(ctx, ref.Registry, scopeForPull(ref.Repository), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodHead, u, nil)
		if err != nil {
			return nil, err
		}
		acceptHeaders(req)
		return req, nil
	})
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, u, http.StatusOK, http.StatusNoContent); err != nil {
		return Descriptor{}, err
	}
	return descriptorFromHeaders(resp)
}

func descriptorFromHeaders(resp *http.Response) (Descriptor, error) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return Descriptor{}, &InvalidManifestHeadersError{Message: "Content type not found in headers"}
	}
	if !KnownManifestTypes[ct] && !KnownIndexTypes[ct] {
		return Descriptor{}, &InvalidManifestHeadersError{Message: "Unsupported content type: " + ct}
	}
	dgstHdr := resp.Header.Get("Docker-Content-Digest")
	if dgstHdr == "" {
		return Descriptor{}, &InvalidManifestHeadersError{Message: "Manifest digest not found in headers"}
	}
	dgst, err := ocidigest.Parse(dgstHdr)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{MediaType: ct, Digest: dgst, Size: resp.ContentLength}, nil
}

// ManifestGet fetches ref's manifest or index bytes and its descriptor.
// Content-Type selects parsing; Docker-Content-Digest is recorded when
// present, else computed from the response bytes.
func (r *Registry) ManifestGet(ctx context.Context, ref reference.Ref) (body []byte, desc Descriptor, err error) {
	tagOrDigest, err := ref.TagOrDigest()
	if err != nil {
		return nil, Descriptor{}, err
	}
	u := r.buildURL(ref, "/manifests/"+tagOrDigest)
	resp, err := r.send(ctx, ref.Registry, scopeForPull(ref.Repository), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		acceptHeaders(req)
		return req, nil
	})
	if err != nil {
		return nil, Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, u, http.StatusOK); err != nil {
		return nil, Descriptor{}, err
	}
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, Descriptor{}, err
	}
	ct := resp.Header.Get("Content-Type")
	if !KnownManifestTypes[ct] && !KnownIndexTypes[ct] {
		return nil, Descriptor{}, &InvalidManifestHeadersError{Message: "Unsupported content type: " + ct}
	}
	var dgst ocidigest.Digest
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		dgst, err = ocidigest.Parse(hdr)
		if err != nil {
			return nil, Descriptor{}, err
		}
	} else {
		dgst = ocidigest.FromBytes(body)
	}
	return body, Descriptor{MediaType: ct, Digest: dgst, Size: int64(len(body))}, nil
}

// ManifestPut uploads body under mediaType at ref's tag (or content
// digest, if ref carries no tag). The Docker-Content-Digest header
// returned by the registry is authoritative for the uploaded bytes.
func (r *Registry) ManifestPut(ctx context.Context, ref reference.Ref, mediaType string, body []byte) (Descriptor, error) {
	tagOrDigest := ref.Tag
	if tagOrDigest == "" {
		tagOrDigest = string(ocidigest.FromBytes(body))
	}
	u := r.buildURL(ref, "/manifests/"+tagOrDigest)
	resp, err := r.send(ctx, ref.Registry, scopeForPush(ref.Repository), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPut, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", mediaType)
		return req, nil
	})
	if err != nil {
		return Descriptor{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, u, http.StatusCreated); err != nil {
		return Descriptor{}, err
	}
	dgst := ocidigest.FromBytes(body)
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		if parsed, err := ocidigest.Parse(hdr); err == nil {
			dgst = parsed
		}
	}
	return Descriptor{MediaType: mediaType, Digest: dgst, Size: int64(len(body))}, nil
}

// ManifestDelete issues DELETE /v2/<name>/manifests/<digest>.
func (r *Registry) ManifestDelete(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) error {
	u := r.buildURL(ref, "/manifests/"+string(dgst))
	resp, err := r.send(ctx, ref.Registry, scopeForDelete(ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodDelete, u, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return &DeleteNotSupportedError{URL: u}
	}
	return checkStatus(resp, u, http.StatusAccepted, http.StatusNoContent)
}

// --- Tags ---

// TagList is the JSON body of GET /v2/<name>/tags/list.
type TagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// TagIterator lazily walks tag-list pages, following the Link header's
// rel="next" URL until absent.
type TagIterator struct {
	r       *Registry
	ctx     context.Context
	ref     reference.Ref
	nextURL string
	pending []string
	done    bool
}

// Tags returns a lazy paginated iterator over ref's repository tags.
func (r *Registry) Tags(ctx context.Context, ref reference.Ref, pageSize int) *TagIterator {
	u := r.buildURL(ref, "/tags/list")
	if pageSize > 0 {
		u += "?n=" + strconv.Itoa(pageSize)
	}
	return &TagIterator{r: r, ctx: ctx, ref: ref, nextURL: u}
}

// Next returns the next tag, or false once the sequence is exhausted.
func (it *TagIterator) Next() (string, bool, error) {
	for len(it.pending) == 0 {
		if it.done {
			return "", false, nil
		}
		if err := it.fetchPage(); err != nil {
			return "", false, err
		}
	}
	tag := it.pending[0]
	it.pending = it.pending[1:]
	return tag, true, nil
}

func (it *TagIterator) fetchPage() error {
	resp, err := it.r.send(it.ctx, it.ref.Registry, scopeForPull(it.ref.Repository), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, it.nextURL, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, it.nextURL, http.StatusOK); err != nil {
		return err
	}
	var tl TagList
	if err := json.NewDecoder(resp.Body).Decode(&tl); err != nil {
		return err
	}
	it.pending = tl.Tags
	if next := parseNextLink(resp.Header.Get("Link")); next != "" {
		// the Link URL may be path-relative; resolve it against this page
		nextURL, err := resp.Request.URL.Parse(next)
		if err != nil {
			return err
		}
		it.nextURL = nextURL.String()
	} else {
		it.done = true
	}
	return nil
}

// parseNextLink extracts the rel="next" URL from an RFC 5988 Link header.
func parseNextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		urlPart, params, ok := strings.Cut(part, ";")
		if !ok || !strings.Contains(params, `rel="next"`) {
			continue
		}
		return strings.Trim(strings.TrimSpace(urlPart), "<>")
	}
	return ""
}

// --- Referrers ---

// Referrers fetches the index of manifests whose subject is dgst,
// falling back to the tag-schema lookup (digest-as-tag) when the
// registry doesn't implement the referrers API (404).
func (r *Registry) Referrers(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) (Index, error) {
	u := r.buildURL(ref, "/referrers/"+string(dgst))
	resp, err := r.send(ctx, ref.Registry, scopeForPull(ref.Repository), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", ocispec.MediaTypeImageIndex)
		return req, nil
	})
	if err != nil {
		return Index{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return r.referrersFallback(ctx, ref, dgst)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, u, http.StatusOK); err != nil {
		return Index{}, err
	}
	var idx Index
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// referrersFallback resolves the tag-schema fallback reference
// "<digest-as-tag>" (colon replaced by dash, per the OCI referrers tag
// schema) and treats its manifest, if present, as the referrers index.
func (r *Registry) referrersFallback(ctx context.Context, ref reference.Ref, dgst ocidigest.Digest) (Index, error) {
	tag := strings.Replace(string(dgst), ":", "-", 1)
	fallbackRef := ref
	fallbackRef.Tag = tag
	fallbackRef.Digest = ""
	body, desc, err := r.ManifestGet(ctx, fallbackRef)
	if err != nil {
		if _, ok := err.(*NotFoundError); ok {
			return Index{}, nil
		}
		return Index{}, err
	}
	if !KnownIndexTypes[desc.MediaType] {
		return Index{}, nil
	}
	var idx Index
	if err := json.Unmarshal(body, &idx); err != nil {
		return Index{}, err
	}
	return idx, nil
}

// --- High-level push ---

// ArtifactFile is one file to push as a layer in PushArtifact.
type ArtifactFile struct {
	MediaType   string
	Content     []byte
	Annotations map[string]string
}

// PushArtifact is a high-level artifact push: each file becomes a layer
// blob, the config defaults to the empty JSON
// object, and the assembled manifest is PUT under ref's tag.
func (r *Registry) PushArtifact(ctx context.Context, ref reference.Ref, files []ArtifactFile, artifactType string, annotations map[string]string, config *ArtifactFile) (Manifest, Descriptor, error) {
	var configDesc Descriptor
	if config != nil {
		d := ocidigest.FromBytes(config.Content)
		desc, err := r.PushBlob(ctx, ref, d, NewBytesSource(config.Content), 0)
		if err != nil {
			return Manifest{}, Descriptor{}, err
		}
		configDesc = desc
		configDesc.MediaType = config.MediaType
	} else {
		configDesc = EmptyConfigDescriptor()
		if _, err := r.PushBlob(ctx, ref, configDesc.Digest, NewBytesSource(emptyConfigBytes), 0); err != nil {
			return Manifest{}, Descriptor{}, err
		}
	}

	layers := make([]Descriptor, 0, len(files))
	for _, f := range files {
		d := ocidigest.FromBytes(f.Content)
		desc, err := r.PushBlob(ctx, ref, d, NewBytesSource(f.Content), 0)
		if err != nil {
			return Manifest{}, Descriptor{}, err
		}
		desc.MediaType = f.MediaType
		desc.Annotations = f.Annotations
		layers = append(layers, desc)
	}

	m := Manifest{
		Versioned:    imagespec.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: artifactType,
		Config:       configDesc,
		Layers:       layers,
		Annotations:  annotations,
	}
	body, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, Descriptor{}, err
	}
	desc, err := r.ManifestPut(ctx, ref, m.MediaType, body)
	if err != nil {
		return Manifest{}, Descriptor{}, err
	}
	return m, desc, nil
}
