package gateway

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

const userRoot = "users/"

// ObjectRef addresses one image: users/{owner}/{album}/{filename}, with the
// album segment omitted for ungrouped images.
type ObjectRef struct {
	Owner    string `json:"owner"`
	Album    string `json:"album,omitempty"`
	Filename string `json:"filename"`
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\x00")
}

// Validate checks that every present segment is non-empty and has no slash.
func (r ObjectRef) Validate() error {
	if !validSegment(r.Owner) {
		return fmt.Errorf("invalid owner %q", r.Owner)
	}
	if !validSegment(r.Filename) {
		return fmt.Errorf("invalid filename %q", r.Filename)
	}
	if r.Album != "" && !validSegment(r.Album) {
		return fmt.Errorf("invalid album %q", r.Album)
	}
	return nil
}

// Key renders the object key.
func (r ObjectRef) Key() string {
	if r.Album == "" {
		return userRoot + r.Owner + "/" + r.Filename
	}
	return userRoot + r.Owner + "/" + r.Album + "/" + r.Filename
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (ObjectRef, error) {
	if !strings.HasPrefix(key, userRoot) {
		return ObjectRef{}, fmt.Errorf("key %q is outside %s", key, userRoot)
	}
	parts := strings.Split(strings.TrimPrefix(key, userRoot), "/")
	var ref ObjectRef
	switch len(parts) {
	case 2:
		ref = ObjectRef{Owner: parts[0], Filename: parts[1]}
	case 3:
		ref = ObjectRef{Owner: parts[0], Album: parts[1], Filename: parts[2]}
	default:
		return ObjectRef{}, fmt.Errorf("key %q has %d segments", key, len(parts))
	}
	if err := ref.Validate(); err != nil {
		return ObjectRef{}, err
	}
	return ref, nil
}

// UserPrefix is the prefix of every key owned by owner.
func UserPrefix(owner string) string {
	return userRoot + owner + "/"
}

// AlbumPrefix is the prefix of every key in one album. The prefix itself is
// also the key of the album's folder marker.
func AlbumPrefix(owner, album string) string {
	return userRoot + owner + "/" + album + "/"
}

// ValidateAlbumName rejects names that cannot be a single key segment.
func ValidateAlbumName(name string) error {
	if !validSegment(name) {
		return errors.New("album name must be non-empty and must not contain '/'")
	}
	if len(name) > 128 {
		return errors.New("album name must not exceed 128 characters")
	}
	return nil
}

// Image is one listed object with its decoded address.
type Image struct {
	ObjectRef
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"`
	ETag         string `json:"etag,omitempty"`
}

// Gallery groups a user's images by album.
type Gallery struct {
	Albums    map[string][]Image `json:"albums"`
	Ungrouped []Image            `json:"ungrouped"`
}

// AlbumNames returns the album names sorted.
func (g Gallery) AlbumNames() []string {
	names := make([]string, 0, len(g.Albums))
	for n := range g.Albums {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GroupByAlbum sorts a recursive listing under UserPrefix(owner) into albums
// and ungrouped images. Folder markers create empty albums. Keys outside
// the owner's space or nested deeper than one album are skipped.
func GroupByAlbum(owner string, objects []ObjectInfo) Gallery {
	g := Gallery{Albums: map[string][]Image{}, Ungrouped: []Image{}}
	prefix := UserPrefix(owner)
	for _, o := range objects {
		if !strings.HasPrefix(o.Key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(o.Key, prefix)
		if strings.HasSuffix(rest, "/") {
			album := strings.TrimSuffix(rest, "/")
			if validSegment(album) {
				if _, ok := g.Albums[album]; !ok {
					g.Albums[album] = []Image{}
				}
			}
			continue
		}
		ref, err := ParseKey(o.Key)
		if err != nil || ref.Owner != owner {
			continue
		}
		img := Image{ObjectRef: ref, Key: o.Key, Size: o.Size, LastModified: o.LastModified, ETag: o.ETag}
		if ref.Album == "" {
			g.Ungrouped = append(g.Ungrouped, img)
		} else {
			g.Albums[ref.Album] = append(g.Albums[ref.Album], img)
		}
	}
	return g
}

// AlbumsFromPrefixes extracts album names from the common prefixes of a
// delimited listing under UserPrefix(owner).
func AlbumsFromPrefixes(owner string, prefixes []string) []string {
	base := UserPrefix(owner)
	albums := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(p, base), "/")
		if validSegment(name) {
			albums = append(albums, name)
		}
	}
	sort.Strings(albums)
	return albums
}

// Ext returns the lower-cased extension of a filename without the dot.
func Ext(filename string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
}
