package stitch

// Plan partitions parts, in order, into groups for assembly.
//
// Parts accumulate into the current group until its running size exceeds
// ceiling or it holds maxParts members; the group closes after the part
// that crossed the limit, so a group may exceed ceiling by at most one
// part. A single part is never split. The trailing group is always
// emitted and an empty input yields no groups.
//
// ceiling and maxParts must be positive; otherwise a *ConfigError is
// returned.
func Plan(parts []Part, ceiling int64, maxParts int) ([]ChunkGroup, error) {
	if ceiling <= 0 {
		return nil, configErrorf("ceiling", "must be positive, got %d", ceiling)
	}
	if maxParts <= 0 {
		return nil, configErrorf("maxParts", "must be positive, got %d", maxParts)
	}

	var groups []ChunkGroup
	var current ChunkGroup
	var size int64

	for _, p := range parts {
		current = append(current, p)
		size += p.Size
		if size > ceiling || len(current) == maxParts {
			groups = append(groups, current)
			current = nil
			size = 0
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups, nil
}
