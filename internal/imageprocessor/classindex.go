package imageprocessor

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// ClassIndex maps a model output position to its (WordNet id, label) pair.
type ClassIndex map[int][2]string

// LoadClassIndex reads an ImageNet class index in the Keras JSON layout:
// {"0": ["n01440764", "tench"], ...}.
func LoadClassIndex(path string) (ClassIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("class index: %w", err)
	}
	return ParseClassIndex(data)
}

// ParseClassIndex decodes class index JSON.
func ParseClassIndex(data []byte) (ClassIndex, error) {
	var raw map[string][2]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("class index: %w", err)
	}
	index := make(ClassIndex, len(raw))
	for key, entry := range raw {
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("class index: invalid position %q", key)
		}
		index[i] = entry
	}
	return index, nil
}

// Lookup returns the WordNet id and label for position i. Unknown positions
// get a synthetic "class_<i>" name so ranking never fails on a short index.
func (c ClassIndex) Lookup(i int) (string, string) {
	if entry, ok := c[i]; ok {
		return entry[0], entry[1]
	}
	name := "class_" + strconv.Itoa(i)
	return name, name
}
