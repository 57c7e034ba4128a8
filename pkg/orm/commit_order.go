package orm

// commitOrder sorts entity types so association targets are inserted before
// the entities referencing them. Edges through nullable associations are
// dropped only when needed to break a cycle.
func commitOrder(metas []*EntityMetadata) ([]*EntityMetadata, error) {
	order, ok := topoSort(metas, false)
	if ok {
		return order, nil
	}
	order, ok = topoSort(metas, true)
	if !ok {
		return nil, ErrCommitOrderCycle
	}
	return order, nil
}

func topoSort(metas []*EntityMetadata, skipNullable bool) ([]*EntityMetadata, bool) {
	indegree := make(map[*EntityMetadata]int, len(metas))
	dependents := make(map[*EntityMetadata][]*EntityMetadata, len(metas))
	for _, m := range metas {
		indegree[m] += 0
		seen := make(map[*EntityMetadata]bool)
		for _, a := range m.Associations {
			if a.target == nil || a.target == m || seen[a.target] {
				continue
			}
			if skipNullable && a.Nullable() {
				continue
			}
			seen[a.target] = true
			indegree[m]++
			dependents[a.target] = append(dependents[a.target], m)
		}
	}
	out := make([]*EntityMetadata, 0, len(metas))
	done := make(map[*EntityMetadata]bool, len(metas))
	for len(out) < len(metas) {
		progress := false
		// registration order breaks ties so the result is deterministic
		for _, m := range metas {
			if done[m] || indegree[m] > 0 {
				continue
			}
			done[m] = true
			out = append(out, m)
			for _, d := range dependents[m] {
				indegree[d]--
			}
			progress = true
		}
		if !progress {
			return nil, false
		}
	}
	return out, true
}
