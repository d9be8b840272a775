// Package docpath models the location of a document as a typed sequence of
// collection/id segments and resolves the structural relations of a thread
// (replies, own collection, ancestors) from that location alone.
package docpath

import (
	"fmt"
	"strings"
)

// RepliesCollection is the sub-collection holding the direct replies of a post.
const RepliesCollection = "posts"

// UsersCollection holds user profiles.
const UsersCollection = "users"

// InternalPrefixLen is the number of leading segments of a fully-qualified store
// path (projects/<p>/databases/<d>/documents) that precede the document path.
const InternalPrefixLen = 5

// Segment is one collection/id pair of a path.
type Segment struct {
	Collection string
	ID         string
}

// Ancestor identifies a document by the path of its collection and its id.
type Ancestor struct {
	CollectionPath string `json:"path"`
	ID             string `json:"id"`
}

// DocumentPath joins the ancestor's collection path and id.
func (a Ancestor) DocumentPath() string {
	return a.CollectionPath + "/" + a.ID
}

// MalformedPathError reports a segment sequence that does not describe a document.
type MalformedPathError struct {
	Segments []string
	Reason   string
}

func (e *MalformedPathError) Error() string {
	return fmt.Sprintf("malformed path %q: %s", strings.Join(e.Segments, "/"), e.Reason)
}

// Path is the absolute location of a single document. The zero value is invalid.
type Path struct {
	segments []Segment
}

// New validates raw segments [coll1, id1, ..., colln, idn].
func New(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Path{}, &MalformedPathError{Segments: segments, Reason: "empty path"}
	}
	if len(segments)%2 != 0 {
		return Path{}, &MalformedPathError{Segments: segments, Reason: "odd segment count"}
	}
	out := make([]Segment, 0, len(segments)/2)
	for i := 0; i < len(segments); i += 2 {
		if segments[i] == "" || segments[i+1] == "" {
			return Path{}, &MalformedPathError{Segments: segments, Reason: fmt.Sprintf("empty segment at %d", i)}
		}
		out = append(out, Segment{Collection: segments[i], ID: segments[i+1]})
	}
	return Path{segments: out}, nil
}

// Parse splits a "/"-delimited document path. Leading and trailing slashes are ignored.
func Parse(p string) (Path, error) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return Path{}, &MalformedPathError{Reason: "empty path"}
	}
	return New(strings.Split(trimmed, "/")...)
}

// MustParse is Parse for literals known to be valid.
func MustParse(p string) Path {
	path, err := Parse(p)
	if err != nil {
		panic(err)
	}
	return path
}

// FromStorePath resolves a fully-qualified store path, stripping the internal
// projects/<p>/databases/<d>/documents prefix when present.
func FromStorePath(full string) (Path, error) {
	segs := strings.Split(strings.Trim(full, "/"), "/")
	if len(segs) > InternalPrefixLen && segs[0] == "projects" && segs[2] == "databases" && segs[4] == "documents" {
		segs = segs[InternalPrefixLen:]
	}
	return New(segs...)
}

// Valid reports whether p was built through a validating constructor.
func (p Path) Valid() bool { return len(p.segments) > 0 }

// Depth is the number of documents on the path, the target included.
func (p Path) Depth() int { return len(p.segments) }

// ID of the final document.
func (p Path) ID() string {
	if !p.Valid() {
		return ""
	}
	return p.segments[len(p.segments)-1].ID
}

// Segments returns the flat [coll, id, ...] form.
func (p Path) Segments() []string {
	out := make([]string, 0, len(p.segments)*2)
	for _, s := range p.segments {
		out = append(out, s.Collection, s.ID)
	}
	return out
}

func (p Path) String() string {
	return strings.Join(p.Segments(), "/")
}

// RepliesPath is the collection holding the direct replies of the document.
func (p Path) RepliesPath() string {
	return p.String() + "/" + RepliesCollection
}

// CollectionPath is the collection containing the document.
func (p Path) CollectionPath() string {
	segs := p.Segments()
	if len(segs) == 0 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// Sub returns the path of a document in a sub-collection of p.
func (p Path) Sub(collection, id string) Path {
	segs := make([]Segment, len(p.segments), len(p.segments)+1)
	copy(segs, p.segments)
	return Path{segments: append(segs, Segment{Collection: collection, ID: id})}
}

// UserPath is the profile document of uid.
func UserPath(uid string) Path {
	return Path{segments: []Segment{{Collection: UsersCollection, ID: uid}}}
}

// PostPath is a top-level post.
func PostPath(id string) Path {
	return Path{segments: []Segment{{Collection: RepliesCollection, ID: id}}}
}

// Reply returns the path of a direct reply with the given id.
func (p Path) Reply(id string) Path {
	return p.Sub(RepliesCollection, id)
}

// Parent returns the enclosing document, if any.
func (p Path) Parent() (Path, bool) {
	if len(p.segments) < 2 {
		return Path{}, false
	}
	return Path{segments: p.segments[:len(p.segments)-1]}, true
}

// AncestorChain lists every ancestor from the root down to the immediate parent.
// A top-level document has an empty chain.
func (p Path) AncestorChain() []Ancestor {
	if len(p.segments) < 2 {
		return []Ancestor{}
	}
	segs := p.Segments()
	// drop the target pair, then peel one (collection, id) pair per step from the end
	segs = segs[:len(segs)-2]
	chain := make([]Ancestor, 0, len(segs)/2)
	for len(segs) > 0 {
		id := segs[len(segs)-1]
		coll := strings.Join(segs[:len(segs)-1], "/")
		chain = append(chain, Ancestor{CollectionPath: coll, ID: id})
		segs = segs[:len(segs)-2]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// RepliesPathOf returns the direct-reply collection path of the document at segments.
func RepliesPathOf(segments []string) (string, error) {
	p, err := New(segments...)
	if err != nil {
		return "", err
	}
	return p.RepliesPath(), nil
}

// SelfCollectionPathOf returns the path of the collection holding the document.
func SelfCollectionPathOf(segments []string) (string, error) {
	p, err := New(segments...)
	if err != nil {
		return "", err
	}
	return p.CollectionPath(), nil
}

// AncestorChainOf returns the ancestors of the document, root first.
func AncestorChainOf(segments []string) ([]Ancestor, error) {
	p, err := New(segments...)
	if err != nil {
		return nil, err
	}
	return p.AncestorChain(), nil
}

// IsCollectionPath reports whether s has the odd segment count of a collection path.
func IsCollectionPath(s string) bool {
	trimmed := strings.Trim(s, "/")
	if trimmed == "" {
		return false
	}
	segs := strings.Split(trimmed, "/")
	if len(segs)%2 != 1 {
		return false
	}
	for _, seg := range segs {
		if seg == "" {
			return false
		}
	}
	return true
}

// CollectionID is the last segment of a collection path.
func CollectionID(collectionPath string) string {
	trimmed := strings.Trim(collectionPath, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
