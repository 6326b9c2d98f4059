package models

import "encoding/json"

// ResourceTypePatient is the business-key resource kind: every backfill work
// item is keyed by a patient identifier, so only patient evidence (direct or
// via upstream reference) can match an event to an item.
const ResourceTypePatient = "Patient"

// Data triggers carried by publish events. Only backfill-triggered events are
// relevant to completion tracking.
const (
	TriggerBackfill = "backfill"
	TriggerNightly  = "nightly"
	TriggerAdHoc    = "adhoc"
)

// knownResourceTypes are the downstream resource kinds a backfill may limit
// itself to.
var knownResourceTypes = map[string]struct{}{
	"Patient":           {},
	"Appointment":       {},
	"CarePlan":          {},
	"Condition":         {},
	"DocumentReference": {},
	"Encounter":         {},
	"MedicationRequest": {},
	"Observation":       {},
	"Procedure":         {},
}

// IsKnownResourceType reports whether a resource kind may appear in a
// backfill's allowed-resources list.
func IsKnownResourceType(name string) bool {
	_, ok := knownResourceTypes[name]
	return ok
}

// PublishEvent is a downstream resource-publish message as read off the event
// stream. Only the provenance triple (backfill id, patient id, receipt time)
// is ever persisted; the event itself is not stored.
type PublishEvent struct {
	TenantID     string          `json:"tenant_id"`
	ResourceType string          `json:"resource_type"`
	ResourceJSON json.RawMessage `json:"resource_json"`
	DataTrigger  string          `json:"data_trigger"`
	Metadata     EventMetadata   `json:"metadata"`
}

// EventMetadata carries the optional backfill provenance block and the chain
// of upstream references that led to this resource being published.
type EventMetadata struct {
	RunID              string              `json:"run_id,omitempty"`
	BackfillRequest    *BackfillRequest    `json:"backfill_request,omitempty"`
	UpstreamReferences []UpstreamReference `json:"upstream_references,omitempty"`
}

// BackfillRequest links an event back to the backfill that caused it.
type BackfillRequest struct {
	BackfillID string `json:"backfill_id"`
}

// UpstreamReference names a resource earlier in the publish chain. Reference
// ids are tenant-localized ("<tenant>-<id>") on the wire.
type UpstreamReference struct {
	ResourceType string `json:"resource_type"`
	ID           string `json:"id"`
}
