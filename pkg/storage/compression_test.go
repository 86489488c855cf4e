package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorRoundTrip(t *testing.T) {
	comp, err := NewCompressor(3)
	require.NoError(t, err)

	weights := bytes.Repeat([]byte("0123456789"), 1000)
	set := artifactSet(t, "model.pkl", string(weights), "label_encoder.pkl", "enc")

	data, err := comp.PackArtifactSet("irrigation", "2025-01-01_00-00-00_acc_0.9100", set)
	require.NoError(t, err)
	assert.Less(t, len(data), len(weights), "repetitive weights should compress")

	manifest, got, err := comp.UnpackArtifactSet(data)
	require.NoError(t, err)
	assert.Equal(t, "irrigation", manifest.Family)
	assert.Len(t, manifest.Files, 2)
	assert.Equal(t, set.Files(), got.Files())
}

func TestCompressorRejectsBadLevel(t *testing.T) {
	_, err := NewCompressor(0)
	assert.Error(t, err)
	_, err = NewCompressor(5)
	assert.Error(t, err)
}

func TestUnpackRejectsGarbage(t *testing.T) {
	comp, err := NewCompressor(1)
	require.NoError(t, err)

	_, _, err = comp.UnpackArtifactSet([]byte("not a bundle"))
	assert.Error(t, err)
}
