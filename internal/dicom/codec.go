package dicom

import (
	"encoding/json"
	"fmt"
	"io"
)

// FileExtension is the extension of stored object files.
const FileExtension = ".dcm"

// encodedObject is the on-disk form of an Object.
type encodedObject struct {
	TransferSyntax string            `json:"transfer_syntax"`
	Attributes     map[string]string `json:"attributes"`
	PixelData      []byte            `json:"pixel_data,omitempty"`
}

// Encode writes obj in the archive's object encoding.
func Encode(w io.Writer, obj *Object) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(encodedObject{
		TransferSyntax: obj.TransferSyntax,
		Attributes:     obj.Attributes,
		PixelData:      obj.PixelData,
	}); err != nil {
		return fmt.Errorf("encode object: %w", err)
	}
	return nil
}

// Marshal returns the encoded bytes of obj.
func Marshal(obj *Object) ([]byte, error) {
	data, err := json.Marshal(encodedObject{
		TransferSyntax: obj.TransferSyntax,
		Attributes:     obj.Attributes,
		PixelData:      obj.PixelData,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal object: %w", err)
	}
	return data, nil
}

// Decode reads one object in the archive's object encoding.
func Decode(r io.Reader) (*Object, error) {
	var eo encodedObject
	dec := json.NewDecoder(r)
	if err := dec.Decode(&eo); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if eo.Attributes == nil {
		return nil, fmt.Errorf("decode object: no attributes")
	}
	return &Object{
		TransferSyntax: eo.TransferSyntax,
		Attributes:     Attributes(eo.Attributes),
		PixelData:      eo.PixelData,
	}, nil
}
