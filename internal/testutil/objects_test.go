package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/archivist/internal/dicom"
)

func TestObjectBuilder_AssignsValidUIDs(t *testing.T) {
	obj := NewObject(StudyA).Series(2).Instance(7).Build()

	require.NoError(t, obj.Validate())
	assert.Equal(t, StudyA, obj.StudyUID())
	assert.Equal(t, StudyA+".2", obj.SeriesUID())
	assert.Equal(t, StudyA+".2.7", obj.InstanceUID())
}

func TestObjectBuilder_BuildsIndependentObjects(t *testing.T) {
	b := NewObject(StudyA)
	first := b.Build()
	second := b.Patient("P2", "ROE^RICHARD").Build()

	assert.Equal(t, "P1", first.Attributes[dicom.PatientID])
	assert.Equal(t, "P2", second.Attributes[dicom.PatientID])
	assert.Equal(t, dicom.MustContentHash(first), dicom.MustContentHash(NewObject(StudyA).Build()))
}
