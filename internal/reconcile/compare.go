package reconcile

import (
	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/store"
)

// structuralKeywords link an instance to its study and series. A mismatch
// on these means the same SOP instance is claimed by a different hierarchy.
var structuralKeywords = []string{
	dicom.StudyInstanceUID,
	dicom.SeriesInstanceUID,
}

// Classify maps an attribute to its discrepancy class.
func Classify(keyword string) store.DiscrepancyClass {
	switch keyword {
	case dicom.PatientName:
		return store.ClassPatientName
	case dicom.PatientID, dicom.IssuerOfPatientID:
		return store.ClassPatientID
	case dicom.AccessionNumber:
		return store.ClassAccession
	case dicom.PatientBirthDate:
		return store.ClassBirthDate
	case dicom.PatientSex:
		return store.ClassSex
	case dicom.StudyInstanceUID, dicom.SeriesInstanceUID, dicom.SOPClassUID:
		return store.ClassStructural
	default:
		return store.ClassAttribute
	}
}

// Compare checks incoming against stored on the structural keywords and
// the given discriminators, in that order. An attribute the incoming object
// does not carry is not compared; one it carries with a different value
// (after normalization) is a difference, even if empty. Person names
// compare case-insensitively per component.
func Compare(stored, incoming dicom.Attributes, discriminators []string) []store.Difference {
	var diffs []store.Difference
	seen := make(map[string]bool, len(structuralKeywords)+len(discriminators))

	check := func(keyword string, structural bool) {
		if seen[keyword] {
			return
		}
		seen[keyword] = true

		if _, ok := incoming[keyword]; !ok {
			return
		}
		s, in := stored.Get(keyword), incoming.Get(keyword)
		if structural && s == "" {
			return
		}
		if equal(keyword, s, in) {
			return
		}
		diffs = append(diffs, store.Difference{
			Attribute: keyword,
			Stored:    s,
			Incoming:  in,
			Class:     Classify(keyword),
		})
	}

	for _, k := range structuralKeywords {
		check(k, true)
	}
	for _, k := range discriminators {
		check(k, false)
	}
	return diffs
}

func equal(keyword, a, b string) bool {
	if keyword == dicom.PatientName {
		return dicom.EqualPersonName(a, b)
	}
	return a == b
}

// MergeDifferences appends the entries of add not already in existing.
func MergeDifferences(existing, add []store.Difference) []store.Difference {
	out := append([]store.Difference(nil), existing...)
	for _, d := range add {
		dup := false
		for _, e := range out {
			if e == d {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out
}
