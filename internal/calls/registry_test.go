package calls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Requests(t *testing.T) {
	r := NewRegistry()

	r.BindRequest("req-1", "s1")
	r.BindRequest("", "s2")

	id, ok := r.SessionForRequest("req-1")
	assert.True(t, ok)
	assert.Equal(t, "s1", id)

	_, ok = r.SessionForRequest("")
	assert.False(t, ok)
}

func TestRegistry_Connections(t *testing.T) {
	r := NewRegistry()

	r.BindConnection("s1", "c1")
	r.BindConnection("s1", "c2")
	r.BindConnection("s2", "c1")
	r.BindConnection("s3", "")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.Connections("s1"))
	assert.Empty(t, r.Connections("s3"))

	r.UnbindConnection("c1")
	assert.Equal(t, []string{"c2"}, r.Connections("s1"))
	assert.Empty(t, r.Connections("s2"))
}

func TestRegistry_Forget(t *testing.T) {
	r := NewRegistry()
	r.BindRequest("req-1", "s1")
	r.BindRequest("req-2", "s2")
	r.BindConnection("s1", "c1")

	r.Forget("s1")

	_, ok := r.SessionForRequest("req-1")
	assert.False(t, ok)
	_, ok = r.SessionForRequest("req-2")
	assert.True(t, ok)
	assert.Empty(t, r.Connections("s1"))
}
