package tle

import (
	"fmt"
	"strings"
)

// Select picks one entry per requested name from the dataset. A name matches
// an entry when it is a case-insensitive substring of the entry name, so
// "LANDSAT 8" matches "LANDSAT 8" and "LANDSAT 8 (LDCM)". The first matching
// entry wins. Every name must match.
func Select(ds *TLEDataset, names []string) ([]TLEEntry, error) {
	if ds == nil {
		return nil, fmt.Errorf("no TLE dataset loaded")
	}

	selected := make([]TLEEntry, 0, len(names))
	for _, name := range names {
		want := strings.ToUpper(strings.TrimSpace(name))
		if want == "" {
			continue
		}

		found := false
		for _, e := range ds.Satellites {
			if strings.Contains(strings.ToUpper(e.Name), want) {
				selected = append(selected, e)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no TLE entry matching %q in dataset from %s", name, ds.Source)
		}
	}
	return selected, nil
}
