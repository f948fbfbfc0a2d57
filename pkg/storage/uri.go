package storage

import (
	"net/url"
	"strings"

	"github.com/arraylab/h5slab/h5err"
)

type Scheme string

const (
	FileScheme Scheme = "file"
	S3Scheme   Scheme = "s3"
)

type URI url.URL

// ParseURI parses path, which must carry an explicit file:// or s3://
// scheme. Other schemes fail with h5err.InvalidURL. For s3 URIs the bucket
// is the URL host and the key is the path; an s3 URI without a key is
// malformed.
func ParseURI(path string) (*URI, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, h5err.E(h5err.InvalidURL, err)
	}
	switch Scheme(u.Scheme) {
	case FileScheme:
	case S3Scheme:
		if u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
			return nil, h5err.E(h5err.InvalidURL, "malformed s3 path: %s", path)
		}
	default:
		return nil, h5err.E(h5err.InvalidURL, "unsupported scheme: %s", path)
	}
	return (*URI)(u), nil
}

func MustParseURI(path string) *URI {
	u, err := ParseURI(path)
	if err != nil {
		panic(err)
	}
	return u
}

func (u *URI) String() string {
	return (*url.URL)(u).String()
}

func (u *URI) HasScheme(s Scheme) bool {
	return Scheme(u.Scheme) == s
}

// Filepath returns the filesystem path of a file URI.
func (u *URI) Filepath() string {
	return u.Path
}

// Resource returns the substring following the scheme's "//": the
// filesystem path for file URIs and <bucket>/<key> for s3 URIs.
func (u *URI) Resource() string {
	if u.HasScheme(S3Scheme) {
		return u.Host + u.Path
	}
	return u.Path
}
