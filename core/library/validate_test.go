package library

import (
	"bytes"
	"strings"
	"testing"

	"pmpsync/core/library/librarytest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectExtractsOrderedMetadata(t *testing.T) {
	data := librarytest.FLAC("TITLE=Blue", "ARTIST=Someone", "ALBUM=Colours")
	md, err := Inspect(bytes.NewReader(data))
	require.NoError(t, err)

	var keys []string
	for _, e := range md {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"FORMAT", "FILETYPE", "TITLE", "ARTIST", "ALBUM"}, keys)
	title, _ := md.Get("TITLE")
	assert.Equal(t, "Blue", title)
	ft, _ := md.Get("FILETYPE")
	assert.Equal(t, "FLAC", ft)
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := Inspect(strings.NewReader("this is definitely not audio"))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Inspect(strings.NewReader("short"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestChecksumMatchesKnownValue(t *testing.T) {
	sum, n, err := Checksum(strings.NewReader("123456789"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	assert.Equal(t, "cbf43926", sum)
}
