package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := CanonicalJSON(`{"b": 1, "a": {"d": true, "c": "x"}}`)
	b := CanonicalJSON(`{ "a": { "c": "x", "d": true }, "b": 1 }`)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":{"c":"x","d":true},"b":1}`, a)
}

func TestCanonicalJSONEmptyAndNull(t *testing.T) {
	assert.Equal(t, "", CanonicalJSON(""))
	assert.Equal(t, "", CanonicalJSON("null"))
}

func TestCanonicalJSONNonJSONPassthrough(t *testing.T) {
	assert.Equal(t, "not json", CanonicalJSON("not json"))
}

func TestCanonicalMetadataMatchesCanonicalJSON(t *testing.T) {
	meta := map[string]interface{}{"lang": "en", "rank": float64(3)}
	assert.Equal(t, CanonicalJSON(`{"rank": 3, "lang": "en"}`), CanonicalMetadata(meta))
	assert.Equal(t, "", CanonicalMetadata(nil))
}

func TestCanonicalJSONArrays(t *testing.T) {
	assert.Equal(t, `[{"a":1},2,"x"]`, CanonicalJSON(`[ {"a": 1}, 2, "x" ]`))
}
