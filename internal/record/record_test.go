package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailabilityFlagsMirrorLists(t *testing.T) {
	t.Parallel()

	var r Record
	r.SetDataAvailability([]string{"Data are on Zenodo."})
	r.SetCodeAvailability(nil)
	assert.True(t, r.HasDataAvailability)
	assert.False(t, r.HasCodeAvailability)

	r.SetDataAvailability([]string{})
	r.SetCodeAvailability([]string{"github.com/x/y", "github.com/x/y"})
	assert.False(t, r.HasDataAvailability)
	assert.True(t, r.HasCodeAvailability)
	assert.Len(t, r.CodeAvailability, 2)
}

func TestParseSources(t *testing.T) {
	t.Parallel()

	got, err := ParseSources([]string{" Summary", "fulltext"})
	assert.NoError(t, err)
	assert.Equal(t, []Source{SourceSummary, SourceFullText}, got)

	_, err = ParseSources([]string{"summary", "abstracts"})
	assert.ErrorContains(t, err, `unknown mode "abstracts"`)
}
