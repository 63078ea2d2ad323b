package domain

import "encoding/json"

// Merge deterministically combines two divergent change sets over the current
// snapshot state. The policy is evaluated key by key over the union of keys
// present in local and remote:
//
//   - both list-like: union with duplicate elimination (set semantics)
//   - both map-like: shallow merge, local winning on overlapping sub-keys
//   - otherwise: the local value wins
//   - keys present on one side only are carried into the result unchanged
//
// The bias is local-wins at every level so the merge stays consistent
// regardless of value shape.
func Merge(current, local, remote map[string]any) map[string]any {
	merged := cloneState(current)

	for key, remoteVal := range remote {
		localVal, inLocal := local[key]
		if !inLocal {
			merged[key] = remoteVal
			continue
		}
		merged[key] = mergeValues(localVal, remoteVal)
	}
	for key, localVal := range local {
		if _, inRemote := remote[key]; inRemote {
			continue
		}
		merged[key] = localVal
	}

	return merged
}

func mergeValues(local, remote any) any {
	localList, localIsList := local.([]any)
	remoteList, remoteIsList := remote.([]any)
	if localIsList && remoteIsList {
		return unionLists(localList, remoteList)
	}

	localMap, localIsMap := local.(map[string]any)
	remoteMap, remoteIsMap := remote.(map[string]any)
	if localIsMap && remoteIsMap {
		sub := cloneState(remoteMap)
		for k, v := range localMap {
			sub[k] = v
		}
		return sub
	}

	return local
}

// unionLists keeps local order first, then remote elements not already seen.
// Elements may be arbitrary JSON values, so identity is the marshaled form.
func unionLists(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local)+len(remote))
	for _, list := range [][]any{local, remote} {
		for _, v := range list {
			id := elementID(v)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func elementID(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
