package processors

import (
	"context"
	"errors"

	"github.com/roach88/archivist/internal/dicom"
	"github.com/roach88/archivist/internal/queue"
	"github.com/roach88/archivist/internal/store"
)

// Tag applies study-level attribute updates from a rule's tag action to the
// study index. An empty value removes the attribute.
type Tag struct {
	deps Deps
}

// Process implements queue.Processor.
func (p *Tag) Process(ctx context.Context, job *queue.Job) (queue.Result, error) {
	var payload store.TagPayload
	if err := job.DecodePayload(&payload); err != nil {
		return queue.Result{}, err
	}
	if _, ok := payload.Attributes[dicom.StudyInstanceUID]; ok {
		return queue.Result{}, queue.InvalidPayload(errors.New("StudyInstanceUID cannot be retagged"))
	}

	idx, err := p.deps.Archive.ReadIndex(job.Location)
	if err != nil {
		return queue.Result{}, err
	}
	attrs := idx.StudyAttributes()
	changed := 0
	for k, v := range payload.Attributes {
		switch {
		case v == "" && attrs[k] != "":
			delete(attrs, k)
		case v != "" && attrs.Get(k) != dicom.Normalize(v):
			attrs[k] = v
		default:
			continue
		}
		changed++
	}
	if changed == 0 {
		return queue.Result{Status: queue.Completed, Description: "no change"}, nil
	}
	idx.SetStudyAttributes(attrs)
	if err := p.deps.Archive.WriteIndex(job.Location, idx); err != nil {
		return queue.Result{}, err
	}
	p.deps.logger().Info("study tagged", "location", job.Location.ID, "rule", payload.Rule, "changed", changed)
	return queue.Result{Status: queue.Completed}, nil
}
