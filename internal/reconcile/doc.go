// Package reconcile detects and durably records conflicts between incoming
// objects and stored studies, and applies resolutions decided later.
//
// Recording never resolves. Conflicting objects are written to the
// quarantine tree, never the canonical one, and collected into one open
// ReconciliationRecord per (location, group) together with a single
// ProcessDuplicate queue entry. Resolution happens when that entry is
// processed, either by partition policy or by an operator's request.
package reconcile
