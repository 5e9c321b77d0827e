// Package reference parses and normalizes OCI registry references of the
// form registry[:port]/repo[:tag][@digest].
package reference

import (
	"fmt"
	"regexp"
	"strings"

	dockerref "github.com/docker/distribution/reference"

	"github.com/distoci/distoci/digest"
)

// DefaultRegistry is used when a reference has no host component.
const DefaultRegistry = "registry-1.docker.io"

// DefaultTag is used when a reference has neither tag nor digest.
const DefaultTag = "latest"

var (
	repoSegmentRegexp = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
	tagRegexp         = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)
)

// ErrInvalidReference is returned when a reference string is malformed.
type ErrInvalidReference struct {
	Value  string
	Reason string
}

func (e *ErrInvalidReference) Error() string {
	return fmt.Sprintf("invalid reference %q: %s", e.Value, e.Reason)
}

// Ref is a parsed (registry, repository, tag?, digest?) reference.
//
// Invariant: at most one of Tag/Digest is semantically addressed when
// resolving — Digest wins if both are set.
type Ref struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// Parse parses s, defaulting registry and tag when absent.
func Parse(s string) (Ref, error) {
	if s == "" {
		return Ref{}, &ErrInvalidReference{Value: s, Reason: "empty reference"}
	}

	host, rest := splitHost(s)

	repoPart, tag, dig, err := splitTagDigest(rest)
	if err != nil {
		return Ref{}, err
	}

	if err := validateRepository(repoPart); err != nil {
		return Ref{}, err
	}

	var parsedDigest digest.Digest
	if dig != "" {
		parsedDigest, err = digest.Parse(dig)
		if err != nil {
			return Ref{}, &ErrInvalidReference{Value: s, Reason: "invalid digest: " + err.Error()}
		}
	}

	if tag != "" && !tagRegexp.MatchString(tag) {
		return Ref{}, &ErrInvalidReference{Value: s, Reason: "invalid tag"}
	}

	implicitHost := host == ""
	if implicitHost {
		host = DefaultRegistry
		// Docker Hub shorthand: "alpine" normalizes to "library/alpine",
		// the same expansion reference.ParseNormalizedNamed applies.
		if normalized, err := normalizedName(repoPart); err == nil {
			repoPart = normalized
		}
	}
	if tag == "" && parsedDigest == "" {
		tag = DefaultTag
	}

	return Ref{
		Registry:   host,
		Repository: repoPart,
		Tag:        tag,
		Digest:     parsedDigest,
	}, nil
}

// ParseForRegistry returns a host-only reference used for /v2/ ping and
// login.
func ParseForRegistry(host string) Ref {
	return Ref{Registry: host}
}

// String reassembles the normalized form of r. Digest wins over tag when
// both are set.
func (r Ref) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(string(r.Digest))
	} else if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	return b.String()
}

// TagOrDigest returns the digest if set, else the tag, else an error.
func (r Ref) TagOrDigest() (string, error) {
	if r.Digest != "" {
		return string(r.Digest), nil
	}
	if r.Tag != "" {
		return r.Tag, nil
	}
	return "", &ErrInvalidReference{Value: r.String(), Reason: "neither tag nor digest set"}
}

// splitHost applies the host-detection heuristic: the substring before
// the first "/" is a host iff it contains "." or ":" or equals
// "localhost" — the same rule docker/distribution/reference's
// splitDockerDomain applies.
func splitHost(s string) (host, rest string) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", s
	}
	candidate := s[:i]
	if candidate == "localhost" || strings.ContainsAny(candidate, ".:") {
		return candidate, s[i+1:]
	}
	return "", s
}

// splitTagDigest splits "repo[:tag][@digest]" into its parts.
func splitTagDigest(s string) (repo, tag, dig string, err error) {
	repo = s
	if i := strings.IndexByte(repo, '@'); i >= 0 {
		dig = repo[i+1:]
		repo = repo[:i]
	}
	if i := strings.LastIndexByte(repo, ':'); i >= 0 {
		// only treat as a tag separator if no "/" follows it (a port
		// would otherwise be misread as a tag on a bare repo string)
		if !strings.Contains(repo[i+1:], "/") {
			tag = repo[i+1:]
			repo = repo[:i]
		}
	}
	return repo, tag, dig, nil
}

func validateRepository(repo string) error {
	if repo == "" {
		return &ErrInvalidReference{Value: repo, Reason: "empty repository"}
	}
	for _, seg := range strings.Split(repo, "/") {
		if !repoSegmentRegexp.MatchString(seg) {
			return &ErrInvalidReference{Value: repo, Reason: fmt.Sprintf("invalid repository segment %q", seg)}
		}
	}
	return nil
}

// normalizedName reuses docker/distribution/reference's normalization so
// Parse accepts the same shorthand forms (e.g. "alpine" -> "library/alpine"
// on Docker Hub).
func normalizedName(s string) (string, error) {
	named, err := dockerref.ParseNormalizedNamed(s)
	if err != nil {
		return "", err
	}
	return dockerref.Path(named), nil
}
