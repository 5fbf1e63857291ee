package redfish

import (
	"net/url"
	"path"
	"strings"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

// ExtractJobHandle inspects the Location header (and, failing that, a task
// monitor body) of a response and returns the referenced job handle.
func ExtractJobHandle(resp *Response) (types.JobHandle, bool) {
	if resp == nil {
		return types.JobHandle{}, false
	}
	if handle, ok := ParseJobLocation(resp.Location()); ok {
		return handle, true
	}

	body := Entity(resp.JSON)
	if odataType := strings.ToLower(body.String("@odata.type")); strings.Contains(odataType, "task") || strings.Contains(odataType, "job") {
		if handle, ok := ParseJobLocation(body.ODataID()); ok {
			return handle, true
		}
	}
	return types.JobHandle{}, false
}

// ParseJobLocation parses a job or task URI. It accepts absolute URLs and
// resource paths; URIs that do not name a job or task are rejected.
func ParseJobLocation(location string) (types.JobHandle, bool) {
	trimmed := strings.TrimSpace(location)
	if trimmed == "" {
		return types.JobHandle{}, false
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return types.JobHandle{}, false
		}
		trimmed = parsed.Path
	}
	if idx := strings.IndexAny(trimmed, "?#"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	trimmed = strings.TrimRight(trimmed, "/")
	// Task monitors live below the task itself.
	trimmed = strings.TrimSuffix(trimmed, "/Monitor")

	id := path.Base(trimmed)
	collection := path.Dir(trimmed)
	if id == "" || id == "." || id == "/" {
		return types.JobHandle{}, false
	}

	parent := path.Base(collection)
	upperID := strings.ToUpper(id)
	isJob := strings.EqualFold(parent, "Jobs") ||
		strings.EqualFold(parent, "Tasks") ||
		strings.HasPrefix(upperID, "JID_") ||
		strings.HasPrefix(upperID, "RID_")
	if !isJob {
		return types.JobHandle{}, false
	}

	return types.JobHandle{
		ID:         id,
		Location:   trimmed,
		Collection: collection,
		Kind:       types.JobKindUnknown,
	}, true
}

// JobPollPaths lists the resource paths a handle may be polled at, in order:
// the Location itself, the manager job collection, the vendor job collection,
// and the task service.
func JobPollPaths(handle types.JobHandle, managerPath string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	add := func(p string) {
		p = strings.TrimRight(strings.TrimSpace(p), "/")
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	id := strings.TrimSpace(handle.ID)
	add(handle.Path())
	if id == "" {
		return out
	}
	if manager := strings.TrimRight(strings.TrimSpace(managerPath), "/"); manager != "" {
		add(manager + "/Jobs/" + id)
		add(manager + "/Oem/Dell/Jobs/" + id)
	}
	add(serviceRootPath + "/TaskService/Tasks/" + id)
	return out
}
