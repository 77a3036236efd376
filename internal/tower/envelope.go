package tower

import (
	"encoding/json"
	"errors"
	"fmt"
)

const totalSizeKey = "totalSize"

// page is one decoded list envelope. Endpoints name their collection
// differently ("labels", "workflows", ...), so the key is discovered.
type page struct {
	totalSize int
	key       string
	items     []json.RawMessage
}

func decodePage(data []byte) (page, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return page{}, fmt.Errorf("envelope is not a JSON object: %w", err)
	}
	sizeRaw, ok := raw[totalSizeKey]
	if !ok {
		return page{}, errors.New("envelope has no totalSize")
	}
	var p page
	if err := json.Unmarshal(sizeRaw, &p.totalSize); err != nil {
		return page{}, fmt.Errorf("totalSize is not an integer: %w", err)
	}
	if p.totalSize < 0 {
		return page{}, fmt.Errorf("negative totalSize %d", p.totalSize)
	}
	delete(raw, totalSizeKey)

	if len(raw) != 1 {
		return page{}, fmt.Errorf("expected exactly one collection key besides totalSize, found %d", len(raw))
	}
	for key, value := range raw {
		p.key = key
		if err := json.Unmarshal(value, &p.items); err != nil {
			return page{}, fmt.Errorf("collection %q is not a list: %w", key, err)
		}
	}
	return p, nil
}
