package validators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVideoID(t *testing.T) {
	for _, link := range []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"youtu.be/dQw4w9WgXcQ",
		"https://m.youtube.com/embed/dQw4w9WgXcQ?start=3",
		"https://www.youtube.com/watch?feature=share&v=dQw4w9WgXcQ",
	} {
		id, ok := VideoID(link)
		assert.True(t, ok, link)
		assert.Equal(t, "dQw4w9WgXcQ", id, link)
	}
	_, ok := VideoID("https://vimeo.com/123")
	assert.False(t, ok)
}

func TestCustomValidator(t *testing.T) {
	type req struct {
		Link string `validate:"omitempty,youtube"`
	}
	v := NewValidator()
	assert.NoError(t, v.Validate(req{}))
	assert.NoError(t, v.Validate(req{Link: "youtu.be/dQw4w9WgXcQ"}))
	assert.Error(t, v.Validate(req{Link: "nope"}))
}
