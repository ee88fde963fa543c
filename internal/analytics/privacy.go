package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
)

// forbiddenKeys are field names that would indicate individual-level data.
var forbiddenKeys = map[string]struct{}{
	"face_image":       {},
	"face_embedding":   {},
	"face_id":          {},
	"person_id":        {},
	"facial_landmarks": {},
	"bounding_box":     {},
	"video_frame":      {},
	"name":             {},
	"identity":         {},
	"demographics":     {},
	"age":              {},
	"gender":           {},
	"race":             {},
}

// AuditPrivacy inspects the JSON form of v and returns the paths of every
// forbidden key it contains, sorted. An empty result means v is safe to
// publish.
func AuditPrivacy(v any) ([]string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for privacy audit: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode for privacy audit: %w", err)
	}

	var violations []string
	walk(doc, "$", &violations)
	sort.Strings(violations)
	return violations, nil
}

func walk(node any, path string, violations *[]string) {
	switch n := node.(type) {
	case map[string]any:
		for key, child := range n {
			childPath := path + "." + key
			if _, bad := forbiddenKeys[key]; bad {
				*violations = append(*violations, childPath)
			}
			walk(child, childPath, violations)
		}
	case []any:
		for i, child := range n {
			walk(child, fmt.Sprintf("%s[%d]", path, i), violations)
		}
	}
}
