package testutil

import (
	"fmt"

	"github.com/roach88/archivist/internal/dicom"
)

// Study UIDs used across package tests.
const (
	StudyA = "1.2.840.10008.1.1"
	StudyB = "1.2.840.10008.1.2"
)

// ObjectBuilder builds decoded image objects for tests.
//
//	obj := testutil.NewObject(testutil.StudyA).Series(1).Instance(3).Patient("P1", "DOE^JANE").Build()
type ObjectBuilder struct {
	studyUID string
	series   int
	instance int
	attrs    dicom.Attributes
	pixels   []byte
}

// NewObject starts a CT object in studyUID, series 1, instance 1.
func NewObject(studyUID string) *ObjectBuilder {
	return &ObjectBuilder{
		studyUID: studyUID,
		series:   1,
		instance: 1,
		attrs: dicom.Attributes{
			dicom.SOPClassUID:      "1.2.840.10008.5.1.4.1.1.2",
			dicom.PatientID:        "P1",
			dicom.PatientName:      "DOE^JANE",
			dicom.PatientBirthDate: "19700101",
			dicom.PatientSex:       "F",
			dicom.AccessionNumber:  "ACC1",
			dicom.StudyDate:        "20240301",
			dicom.Modality:         "CT",
		},
		pixels: []byte{0x01, 0x02, 0x03},
	}
}

// Series sets the series number.
func (b *ObjectBuilder) Series(n int) *ObjectBuilder {
	b.series = n
	return b
}

// Instance sets the instance number.
func (b *ObjectBuilder) Instance(n int) *ObjectBuilder {
	b.instance = n
	return b
}

// Patient sets patient ID and name.
func (b *ObjectBuilder) Patient(id, name string) *ObjectBuilder {
	b.attrs[dicom.PatientID] = id
	b.attrs[dicom.PatientName] = name
	return b
}

// Set sets any attribute.
func (b *ObjectBuilder) Set(keyword, value string) *ObjectBuilder {
	b.attrs[keyword] = value
	return b
}

// Pixels replaces the pixel payload.
func (b *ObjectBuilder) Pixels(data []byte) *ObjectBuilder {
	b.pixels = data
	return b
}

// Build returns the object.
func (b *ObjectBuilder) Build() *dicom.Object {
	attrs := b.attrs.Clone()
	attrs[dicom.StudyInstanceUID] = b.studyUID
	attrs[dicom.SeriesInstanceUID] = SeriesUID(b.studyUID, b.series)
	attrs[dicom.SOPInstanceUID] = InstanceUID(b.studyUID, b.series, b.instance)
	attrs[dicom.SeriesNumber] = fmt.Sprint(b.series)
	attrs[dicom.InstanceNumber] = fmt.Sprint(b.instance)
	return &dicom.Object{
		TransferSyntax: "1.2.840.10008.1.2.1",
		Attributes:     attrs,
		PixelData:      append([]byte(nil), b.pixels...),
	}
}

// SeriesUID returns the series UID the builder assigns to series n.
func SeriesUID(studyUID string, n int) string {
	return fmt.Sprintf("%s.%d", studyUID, n)
}

// InstanceUID returns the SOP UID the builder assigns to an instance.
func InstanceUID(studyUID string, series, instance int) string {
	return fmt.Sprintf("%s.%d.%d", studyUID, series, instance)
}
