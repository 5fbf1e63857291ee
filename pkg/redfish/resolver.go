package redfish

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	// SystemsPath is the computer system collection.
	SystemsPath = serviceRootPath + "/Systems"
	// ManagersPath is the manager collection.
	ManagersPath = serviceRootPath + "/Managers"
	// UpdateServicePath is the update service resource.
	UpdateServicePath = serviceRootPath + "/UpdateService"
	// TaskServicePath is the task service resource.
	TaskServicePath = serviceRootPath + "/TaskService"
)

// MemberResolver caches collection -> member path lookups for one endpoint.
type MemberResolver struct {
	cache sync.Map
}

// NewMemberResolver creates a member resolver.
func NewMemberResolver() *MemberResolver {
	return &MemberResolver{}
}

// Resolve returns the member of collection whose id matches preferredID, or the
// lowest sorted member when no id is preferred or none matches.
func (r *MemberResolver) Resolve(ctx context.Context, client *Client, collection, preferredID string) (string, error) {
	key := memberCacheKey(collection, preferredID)
	if cached, ok := r.cache.Load(key); ok {
		if path, ok := cached.(string); ok && strings.TrimSpace(path) != "" {
			return path, nil
		}
	}

	members, err := client.GetCollection(ctx, collection, CollectionOptions{})
	if err != nil {
		return "", err
	}
	paths := make([]string, 0, len(members))
	for _, member := range members {
		paths = append(paths, member.ODataID())
	}

	chosen := selectMemberPath(paths, preferredID)
	if chosen == "" {
		return "", NewError(ErrNotSupported, "GET "+collection, 0, fmt.Sprintf("collection %s has no members", collection), nil)
	}
	r.cache.Store(key, chosen)
	return chosen, nil
}

// Forget drops cached lookups, for example after a controller reset.
func (r *MemberResolver) Forget() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

func memberCacheKey(collection, id string) string {
	return strings.TrimSpace(collection) + "|" + strings.TrimSpace(id)
}

func selectMemberPath(paths []string, preferredID string) string {
	normalizedID := strings.TrimSpace(preferredID)
	if normalizedID != "" {
		for _, p := range paths {
			trimmed := strings.TrimSpace(p)
			if trimmed == "" {
				continue
			}
			if strings.EqualFold(MemberID(trimmed), normalizedID) {
				return trimmed
			}
		}
	}

	copied := make([]string, 0, len(paths))
	for _, p := range paths {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			copied = append(copied, trimmed)
		}
	}
	if len(copied) == 0 {
		return ""
	}
	sort.Strings(copied)
	return copied[0]
}

// MemberID returns the last segment of a resource path.
func MemberID(resourcePath string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(resourcePath), "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return strings.TrimSpace(parts[len(parts)-1])
}
