package filesystem

import (
	"encoding/xml"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/archivist/internal/dicom"
)

// IndexVersion is written into every study index.
const IndexVersion = 1

// ErrIndexCorrupt marks a study index that exists but cannot be trusted.
var ErrIndexCorrupt = errors.New("study index corrupt")

// StudyIndex is the per-study XML summary: study-level attributes plus one
// entry per stored instance with its identifying attributes and content hash.
type StudyIndex struct {
	XMLName    xml.Name      `xml:"study"`
	Version    int           `xml:"version,attr"`
	StudyUID   string        `xml:"uid,attr"`
	Attributes []IndexAttr   `xml:"attributes>attr"`
	Series     []IndexSeries `xml:"series"`
}

// IndexAttr is one keyword/value pair.
type IndexAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// IndexSeries groups the instances of one series.
type IndexSeries struct {
	UID       string          `xml:"uid,attr"`
	Modality  string          `xml:"modality,attr,omitempty"`
	Instances []IndexInstance `xml:"instance"`
}

// IndexInstance describes one stored object.
type IndexInstance struct {
	UID      string      `xml:"uid,attr"`
	SOPClass string      `xml:"class,attr,omitempty"`
	Number   string      `xml:"number,attr,omitempty"`
	Hash     string      `xml:"hash,attr"`
	Identity []IndexAttr `xml:"identity>attr"`
}

// NewStudyIndex returns an empty index for a study.
func NewStudyIndex(studyUID string) *StudyIndex {
	return &StudyIndex{Version: IndexVersion, StudyUID: studyUID}
}

// ParseStudyIndex decodes an index, returning ErrIndexCorrupt when the data
// is malformed or describes another study.
func ParseStudyIndex(data []byte, studyUID string) (*StudyIndex, error) {
	var idx StudyIndex
	if err := xml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	if idx.StudyUID != studyUID {
		return nil, fmt.Errorf("%w: index names study %q, expected %q", ErrIndexCorrupt, idx.StudyUID, studyUID)
	}
	if idx.Version != IndexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrIndexCorrupt, idx.Version)
	}
	for _, s := range idx.Series {
		if s.UID == "" {
			return nil, fmt.Errorf("%w: series without uid", ErrIndexCorrupt)
		}
		for _, inst := range s.Instances {
			if inst.UID == "" || inst.Hash == "" {
				return nil, fmt.Errorf("%w: incomplete instance in series %s", ErrIndexCorrupt, s.UID)
			}
		}
	}
	return &idx, nil
}

// Marshal encodes the index deterministically: series and instances are
// sorted by UID and attributes by name.
func (idx *StudyIndex) Marshal() ([]byte, error) {
	idx.sort()
	body, err := xml.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal study index: %w", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

func (idx *StudyIndex) sort() {
	sortAttrs(idx.Attributes)
	sort.Slice(idx.Series, func(i, j int) bool { return idx.Series[i].UID < idx.Series[j].UID })
	for i := range idx.Series {
		insts := idx.Series[i].Instances
		sort.Slice(insts, func(a, b int) bool { return insts[a].UID < insts[b].UID })
		for j := range insts {
			sortAttrs(insts[j].Identity)
		}
	}
}

func sortAttrs(attrs []IndexAttr) {
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
}

// Empty reports whether the study holds no instances.
func (idx *StudyIndex) Empty() bool {
	return idx.InstanceCount() == 0
}

// InstanceCount returns the number of indexed instances.
func (idx *StudyIndex) InstanceCount() int {
	n := 0
	for _, s := range idx.Series {
		n += len(s.Instances)
	}
	return n
}

// Lookup finds an instance by SOP UID and returns its series UID.
func (idx *StudyIndex) Lookup(sopUID string) (IndexInstance, string, bool) {
	for _, s := range idx.Series {
		for _, inst := range s.Instances {
			if inst.UID == sopUID {
				return inst, s.UID, true
			}
		}
	}
	return IndexInstance{}, "", false
}

// StudyAttributes returns the study-level attributes.
func (idx *StudyIndex) StudyAttributes() dicom.Attributes {
	return attrsToMap(idx.Attributes)
}

// SetStudyAttributes replaces the study-level attributes.
func (idx *StudyIndex) SetStudyAttributes(attrs dicom.Attributes) {
	idx.Attributes = mapToAttrs(attrs)
}

// Put records obj under its series, replacing any entry with the same SOP
// UID. The first object of an empty study also sets the study attributes.
func (idx *StudyIndex) Put(obj *dicom.Object, hash string) {
	if idx.Empty() && len(idx.Attributes) == 0 {
		idx.SetStudyAttributes(obj.Attributes.Subset(dicom.StudyKeywords))
	}
	idx.Remove(obj.InstanceUID())

	entry := IndexInstance{
		UID:      obj.InstanceUID(),
		SOPClass: obj.Attributes.Get(dicom.SOPClassUID),
		Number:   obj.Attributes.Get(dicom.InstanceNumber),
		Hash:     hash,
		Identity: mapToAttrs(obj.Attributes.Subset(dicom.IdentityKeywords)),
	}
	seriesUID := obj.SeriesUID()
	for i := range idx.Series {
		if idx.Series[i].UID == seriesUID {
			idx.Series[i].Instances = append(idx.Series[i].Instances, entry)
			return
		}
	}
	idx.Series = append(idx.Series, IndexSeries{
		UID:       seriesUID,
		Modality:  obj.Attributes.Get(dicom.Modality),
		Instances: []IndexInstance{entry},
	})
}

// Remove drops an instance, and its series when it becomes empty.
func (idx *StudyIndex) Remove(sopUID string) bool {
	for i := range idx.Series {
		insts := idx.Series[i].Instances
		for j := range insts {
			if insts[j].UID != sopUID {
				continue
			}
			idx.Series[i].Instances = append(insts[:j], insts[j+1:]...)
			if len(idx.Series[i].Instances) == 0 {
				idx.Series = append(idx.Series[:i], idx.Series[i+1:]...)
			}
			return true
		}
	}
	return false
}

// IdentityAttributes returns an instance's recorded identifying attributes.
func (inst IndexInstance) IdentityAttributes() dicom.Attributes {
	return attrsToMap(inst.Identity)
}

func attrsToMap(attrs []IndexAttr) dicom.Attributes {
	out := make(dicom.Attributes, len(attrs))
	for _, a := range attrs {
		out[a.Name] = a.Value
	}
	return out
}

func mapToAttrs(m dicom.Attributes) []IndexAttr {
	out := make([]IndexAttr, 0, len(m))
	for k, v := range m {
		out = append(out, IndexAttr{Name: k, Value: dicom.Normalize(v)})
	}
	sortAttrs(out)
	return out
}
