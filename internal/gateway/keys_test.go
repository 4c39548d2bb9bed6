package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectRef_KeyRoundTrip(t *testing.T) {
	tests := []struct {
		ref ObjectRef
		key string
	}{
		{ObjectRef{Owner: "u1", Filename: "b.jpg"}, "users/u1/b.jpg"},
		{ObjectRef{Owner: "u1", Album: "vacation", Filename: "a.jpg"}, "users/u1/vacation/a.jpg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.key, tt.ref.Key())
		got, err := ParseKey(tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.ref, got)
	}
}

func TestParseKey_Rejects(t *testing.T) {
	for _, key := range []string{
		"b.jpg",
		"users/u1",
		"users/u1/",
		"users/u1/a/b/c.jpg",
		"other/u1/a.jpg",
		"users//a.jpg",
		"users/u1/../a.jpg",
	} {
		_, err := ParseKey(key)
		assert.Error(t, err, key)
	}
}

func TestObjectRef_Validate(t *testing.T) {
	assert.Error(t, ObjectRef{Owner: "", Filename: "a.jpg"}.Validate())
	assert.Error(t, ObjectRef{Owner: "u1", Filename: ""}.Validate())
	assert.Error(t, ObjectRef{Owner: "u1", Album: "a/b", Filename: "x.jpg"}.Validate())
	assert.Error(t, ObjectRef{Owner: "u/1", Filename: "x.jpg"}.Validate())
	assert.NoError(t, ObjectRef{Owner: "u1", Album: "trip 2024", Filename: "x.jpg"}.Validate())
}

func TestGroupByAlbum(t *testing.T) {
	objects := []ObjectInfo{
		{Key: "users/u1/b.jpg", Size: 2},
		{Key: "users/u1/vacation/a.jpg", Size: 1},
		{Key: "users/u1/empty/"},
		{Key: "users/u1/vacation/"},
		{Key: "users/u2/c.jpg"},
		{Key: "users/u1/x/y/z.jpg"},
	}
	g := GroupByAlbum("u1", objects)

	require.Len(t, g.Ungrouped, 1)
	assert.Equal(t, "b.jpg", g.Ungrouped[0].Filename)

	require.Len(t, g.Albums["vacation"], 1)
	assert.Equal(t, "a.jpg", g.Albums["vacation"][0].Filename)
	assert.Equal(t, "vacation", g.Albums["vacation"][0].Album)

	assert.Empty(t, g.Albums["empty"])
	assert.Equal(t, []string{"empty", "vacation"}, g.AlbumNames())
}

func TestAlbumsFromPrefixes(t *testing.T) {
	got := AlbumsFromPrefixes("u1", []string{"users/u1/zoo/", "users/u1/beach/", "users/u1//"})
	assert.Equal(t, []string{"beach", "zoo"}, got)
}

func TestValidateAlbumName(t *testing.T) {
	assert.NoError(t, ValidateAlbumName("Summer"))
	assert.Error(t, ValidateAlbumName(""))
	assert.Error(t, ValidateAlbumName("a/b"))
	assert.Error(t, ValidateAlbumName(".."))
}

func TestExt(t *testing.T) {
	assert.Equal(t, "jpg", Ext("photo.JPG"))
	assert.Equal(t, "", Ext("noext"))
	assert.Equal(t, "gz", Ext("a.tar.gz"))
}
