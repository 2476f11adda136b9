// Package rules evaluates operator-defined rules at fixed points of the
// ingestion pipeline and turns matching rules into queue entries.
//
// Rules are written in CUE:
//
//	rule: "route-ct": {
//		apply_time: "SopProcessed"
//		condition:  "modality == 'CT' && called_ae == 'ARCHIVE'"
//		actions: [{auto_route: {destination: "PACS2"}}]
//	}
//
// Conditions are CEL expressions over the variables study, instance
// (attribute maps), partition, calling_ae, called_ae and modality. An empty
// condition always matches.
//
// Default rules only fire when no regular or exempt rule of the same apply
// time matched. Exempt rules fire nothing; they exist to suppress defaults.
// Actions never run inline: each one enqueues a queue entry.
//
// The loaded rule set is an immutable snapshot replaced as a whole on
// reload, so concurrent evaluations never see a partial update.
package rules
