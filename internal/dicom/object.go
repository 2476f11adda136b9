package dicom

import (
	"fmt"
	"strings"
)

// Attribute keywords used by the pipeline.
const (
	StudyInstanceUID  = "StudyInstanceUID"
	SeriesInstanceUID = "SeriesInstanceUID"
	SOPInstanceUID    = "SOPInstanceUID"
	SOPClassUID       = "SOPClassUID"
	PatientID         = "PatientID"
	PatientName       = "PatientName"
	IssuerOfPatientID = "IssuerOfPatientID"
	PatientBirthDate  = "PatientBirthDate"
	PatientSex        = "PatientSex"
	AccessionNumber   = "AccessionNumber"
	StudyDate         = "StudyDate"
	StudyID           = "StudyID"
	StudyDescription  = "StudyDescription"
	Modality          = "Modality"
	SeriesNumber      = "SeriesNumber"
	InstanceNumber    = "InstanceNumber"
)

// StudyKeywords are the study-level attributes recorded in the study index
// and compared when a new instance joins an existing study.
var StudyKeywords = []string{
	PatientID,
	PatientName,
	IssuerOfPatientID,
	PatientBirthDate,
	PatientSex,
	AccessionNumber,
	StudyDate,
	StudyID,
}

// IdentityKeywords are the attributes kept per instance in the study index.
var IdentityKeywords = []string{
	StudyInstanceUID,
	SeriesInstanceUID,
	SOPInstanceUID,
	SOPClassUID,
	PatientID,
	PatientName,
	IssuerOfPatientID,
	PatientBirthDate,
	PatientSex,
	AccessionNumber,
	StudyDate,
	StudyID,
	Modality,
}

// Attributes maps a DICOM keyword to its string value.
type Attributes map[string]string

// Get returns the normalized value for keyword, or "" if absent.
func (a Attributes) Get(keyword string) string {
	if a == nil {
		return ""
	}
	return Normalize(a[keyword])
}

// Subset returns a copy holding only the given keywords that are present.
func (a Attributes) Subset(keywords []string) Attributes {
	out := make(Attributes, len(keywords))
	for _, k := range keywords {
		if v, ok := a[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Object is a decoded image object as delivered by the protocol layer.
type Object struct {
	TransferSyntax string
	Attributes     Attributes
	PixelData      []byte
}

// StudyUID returns the study instance UID.
func (o *Object) StudyUID() string { return o.Attributes.Get(StudyInstanceUID) }

// SeriesUID returns the series instance UID.
func (o *Object) SeriesUID() string { return o.Attributes.Get(SeriesInstanceUID) }

// InstanceUID returns the SOP instance UID.
func (o *Object) InstanceUID() string { return o.Attributes.Get(SOPInstanceUID) }

// Validate checks that the identifiers needed to place the object on disk
// are present and usable as path components.
func (o *Object) Validate() error {
	if o == nil {
		return fmt.Errorf("object is nil")
	}
	for _, k := range []string{StudyInstanceUID, SeriesInstanceUID, SOPInstanceUID} {
		v := o.Attributes.Get(k)
		if v == "" {
			return fmt.Errorf("missing %s", k)
		}
		if !validUID(v) {
			return fmt.Errorf("invalid %s %q", k, v)
		}
	}
	return nil
}

// validUID accepts the DICOM UID alphabet (digits and dots, max 64 chars).
func validUID(uid string) bool {
	if len(uid) > 64 || strings.HasPrefix(uid, ".") || strings.Contains(uid, "..") {
		return false
	}
	for _, r := range uid {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
