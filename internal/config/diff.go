package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	StarsChanged    bool       // true if any star policy entry changed
	StarChanges     []StarDiff // per-star diffs
	AgentsChanged   bool       // true if the agent list changed in any way
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// StarDiff describes what changed for a single star between two configs.
type StarDiff struct {
	Name    string
	Added   bool
	Removed bool
	// Changed is true when the star exists in both configs with different
	// toggles.
	Changed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Star policy: detect modified and removed entries.
	for name, oldStar := range old.Stars {
		newStar, exists := new.Stars[name]
		if !exists {
			d.StarChanges = append(d.StarChanges, StarDiff{Name: name, Removed: true})
			d.StarsChanged = true
			continue
		}
		if !starEqual(oldStar, newStar) {
			d.StarChanges = append(d.StarChanges, StarDiff{Name: name, Changed: true})
			d.StarsChanged = true
		}
	}

	// Detect added entries.
	for name := range new.Stars {
		if _, exists := old.Stars[name]; !exists {
			d.StarChanges = append(d.StarChanges, StarDiff{Name: name, Added: true})
			d.StarsChanged = true
		}
	}

	// Agents: any difference forces a restart of the agent service, so a
	// boolean is enough.
	if len(old.Agents) != len(new.Agents) {
		d.AgentsChanged = true
	} else {
		for i := range old.Agents {
			if old.Agents[i] != new.Agents[i] {
				d.AgentsChanged = true
				break
			}
		}
	}

	return d
}

// starEqual compares two star policy entries, resolving nil toggles to their
// defaults so "unset" and an explicit default compare equal.
func starEqual(a, b StarConfig) bool {
	if a.IsEnabled() != b.IsEnabled() || a.ToolsAllowed() != b.ToolsAllowed() {
		return false
	}
	return maps.Equal(a.Abilities, b.Abilities)
}
