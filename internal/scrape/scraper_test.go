package scrape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentIDIsStableUnderWhitespaceAndCase(t *testing.T) {
	a := ContentID("Need a PLUMBER  in Old Town\ncall me")
	b := ContentID("need a plumber in old town call me")
	assert.Equal(t, a, b, "normalization must make rediscovered posts hash equal")
	assert.Len(t, a, 64)
}

func TestContentIDDistinguishesContent(t *testing.T) {
	assert.NotEqual(t, ContentID("selling a couch"), ContentID("buying a couch"))
}
