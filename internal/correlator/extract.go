package correlator

import (
	"encoding/json"
	"strings"

	"backfill-service/internal/models"
)

// subjectExtractor resolves the patient business key an event pertains to.
// Each publishable resource kind gets its own strategy; anything without one
// falls back to scanning the upstream reference chain.
type subjectExtractor func(ev *models.PublishEvent) (string, bool)

var extractors = map[string]subjectExtractor{
	models.ResourceTypePatient: extractFromResource,
}

// subjectKey determines which patient an event evidences activity for.
func subjectKey(ev *models.PublishEvent) (string, bool) {
	extract, ok := extractors[ev.ResourceType]
	if !ok {
		extract = extractFromUpstream
	}
	return extract(ev)
}

// extractFromResource handles events whose own resource is the patient: the
// business key is the resource's identifier.
func extractFromResource(ev *models.PublishEvent) (string, bool) {
	var resource struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.ResourceJSON, &resource); err != nil {
		return "", false
	}
	if resource.ID == "" {
		return "", false
	}
	return resource.ID, true
}

// extractFromUpstream handles derived resources (conditions, observations,
// appointments) by walking the upstream reference chain for the patient that
// originally caused the publish. Upstream ids arrive tenant-localized and are
// de-prefixed before comparison against work-item keys.
func extractFromUpstream(ev *models.PublishEvent) (string, bool) {
	for _, ref := range ev.Metadata.UpstreamReferences {
		if ref.ResourceType != models.ResourceTypePatient {
			continue
		}
		key := strings.TrimPrefix(ref.ID, ev.TenantID+"-")
		if key == "" {
			return "", false
		}
		return key, true
	}
	return "", false
}
