package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComposesReference(t *testing.T) {
	r := New("John", "3", "16", "For God so loved the world")
	assert.Equal(t, "3:16", r.Reference)
	assert.Equal(t, "John", r.Book)
	assert.Equal(t, "3", r.Chapter)
	assert.Equal(t, "16", r.Verse)
}

func TestFormatReferenceTrimsWhitespace(t *testing.T) {
	assert.Equal(t, "1:5", FormatReference(" 1", "5 "))
}

func TestSetFind(t *testing.T) {
	set := Set{
		New("John", "1", "1", "In the beginning was the Word"),
		New("John", "1", "2", "He was with God in the beginning"),
	}

	r, ok := set.Find("1:2")
	require.True(t, ok)
	assert.Equal(t, "He was with God in the beginning", r.Text)

	_, ok = set.Find("99:99")
	assert.False(t, ok)
}

func TestSetCloneIsIndependent(t *testing.T) {
	set := Set{New("John", "1", "1", "In the beginning was the Word")}
	clone := set.Clone()
	clone[0].Text = "changed"
	assert.Equal(t, "In the beginning was the Word", set[0].Text)

	assert.Nil(t, Set(nil).Clone())
}
