package provider

import (
	"encoding/json"
	"fmt"
)

// parseConfig converts a CheckSpec.Config map into a typed provider
// config struct via a JSON round-trip, which handles the float64-from-
// YAML coercions generic decoding needs.
func parseConfig[T any](config map[string]any) (*T, error) {
	var result T
	if config == nil {
		return &result, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal config: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("provider: unmarshal config: %w", err)
	}
	return &result, nil
}
