package store

// Queue entry payloads, one per entry type. Progress fields are written
// back by processors through QueueRepo.SavePayload so an interrupted entry
// resumes where it stopped.

// DuplicatePayload is carried by ProcessDuplicate entries.
type DuplicatePayload struct {
	RecordID string `json:"record_id"`
}

// MovePayload is carried by MoveStudy entries.
type MovePayload struct {
	TargetFilesystem string `json:"target_filesystem"`

	// SourceFilesystem is recorded on the first run so a move interrupted
	// after the switch can still remove the old copy.
	SourceFilesystem string `json:"source_filesystem,omitempty"`

	// CopiedSeries lists series already copied to the target.
	CopiedSeries []string `json:"copied_series,omitempty"`
}

// RebuildPayload is carried by RebuildIndex entries.
type RebuildPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RoutePayload is carried by AutoRoute entries. An empty SOPUID routes the
// whole study.
type RoutePayload struct {
	Destination string `json:"destination"`
	SOPUID      string `json:"sop_uid,omitempty"`
}

// TagPayload is carried by RuleAction entries: study-level attribute
// updates applied to the study index.
type TagPayload struct {
	Rule       string            `json:"rule,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// PurgePayload is carried by PurgeStudy entries.
type PurgePayload struct {
	Rule string `json:"rule,omitempty"`
}
