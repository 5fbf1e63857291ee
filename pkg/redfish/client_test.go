package redfish

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.cscs.ch/openchami/chamicore-bmc/internal/redfishtest"
)

func newTestClient(t *testing.T, address string) *Client {
	t.Helper()
	client, err := New(Endpoint{Address: address, Auth: BasicAuth{User: "root", Password: "calvin"}})
	require.NoError(t, err)
	return client
}

func logEntries(n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]any{
			"@odata.id": fmt.Sprintf("/redfish/v1/Managers/iDRAC.Embedded.1/LogServices/Lclog/Entries/%d", i),
			"Id":        strconv.Itoa(i),
		})
	}
	return out
}

func TestGetCollection_SkipOutOfRangeEndsStream(t *testing.T) {
	t.Parallel()

	const total = 1000
	var pages int32
	entries := logEntries(total)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pages, 1)
		skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
		if skip >= total {
			writeTestJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{
					"@Message.ExtendedInfo": []any{
						map[string]any{"Message": "The value 1000 for the query parameter $skip is out of range 1000."},
					},
				},
			})
			return
		}
		page := make([]any, 0, 50)
		for _, entry := range entries[skip : skip+50] {
			page = append(page, entry)
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"Members":                page,
			"Members@odata.nextLink": fmt.Sprintf("/redfish/v1/Lclog?$skip=%d", skip+50),
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	members, err := client.GetCollection(context.Background(), "/redfish/v1/Managers/iDRAC.Embedded.1/LogServices/Lclog/Entries", CollectionOptions{})
	require.NoError(t, err)
	require.Len(t, members, total)
	assert.Equal(t, "0", members[0].String("Id"))
	assert.Equal(t, "999", members[total-1].String("Id"))
	assert.Equal(t, int32(21), atomic.LoadInt32(&pages))
}

func TestGetCollection_PagesWithoutNextLink(t *testing.T) {
	t.Parallel()

	const total = 1000
	entries := logEntries(total)

	for _, tc := range []struct {
		name      string
		pageCount bool
	}{
		{name: "no count", pageCount: false},
		{name: "per-page count", pageCount: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var pages atomic.Int32
			server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				pages.Add(1)
				skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
				if skip >= total {
					writeTestJSON(w, http.StatusBadRequest, map[string]any{
						"error": map[string]any{"message": fmt.Sprintf("The value %d for the query parameter $skip is out of range %d.", skip, total)},
					})
					return
				}
				page := make([]any, 0, 50)
				for _, entry := range entries[skip : skip+50] {
					page = append(page, entry)
				}
				body := map[string]any{"Members": page}
				if tc.pageCount {
					body["Members@odata.count"] = len(page)
				}
				writeTestJSON(w, http.StatusOK, body)
			}))
			defer server.Close()

			members, err := newTestClient(t, server.URL).GetCollection(context.Background(), "/redfish/v1/Managers/iDRAC.Embedded.1/LogServices/Lclog/Entries", CollectionOptions{})
			require.NoError(t, err)
			require.Len(t, members, total)
			assert.Equal(t, "999", members[total-1].String("Id"))
			assert.Equal(t, int32(21), pages.Load())
		})
	}
}

func TestGetCollection_IgnoredSkipReturnsFirstPage(t *testing.T) {
	t.Parallel()

	var pages atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pages.Add(1)
		writeTestJSON(w, http.StatusOK, map[string]any{
			"Members": []any{
				map[string]any{"@odata.id": "/redfish/v1/Systems/1"},
				map[string]any{"@odata.id": "/redfish/v1/Systems/2"},
			},
		})
	}))
	defer server.Close()

	members, err := newTestClient(t, server.URL).GetCollection(context.Background(), "/redfish/v1/Systems", CollectionOptions{})
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, int32(2), pages.Load())
}

func TestGetCollection_MatchesConcatenatedPages(t *testing.T) {
	t.Parallel()

	server := redfishtest.New(redfishtest.WithPageSize(7))
	defer server.Close()
	const path = "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs"
	server.AddCollection(path, logEntries(30))

	client := newTestClient(t, server.URL)
	members, err := client.GetCollection(context.Background(), path, CollectionOptions{})
	require.NoError(t, err)

	concatenated := make([]Entity, 0)
	for skip := 0; ; skip += 7 {
		page, err := client.GetEntity(context.Background(), fmt.Sprintf("%s?$skip=%d", server.URL+path, skip))
		if err != nil {
			require.ErrorIs(t, err, ErrInvalidRequest)
			break
		}
		concatenated = append(concatenated, page.Members()...)
	}

	assert.Equal(t, concatenated, members)
	assert.Len(t, members, 30)
}

func TestGetCollection_EmptyPageEndsStream(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$skip") != "" {
			writeTestJSON(w, http.StatusOK, map[string]any{"Members": []any{}, "Members@odata.nextLink": "x"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"Members":                []any{map[string]any{"@odata.id": "/redfish/v1/Systems/1"}},
			"Members@odata.nextLink": "/redfish/v1/Systems?$skip=1",
		})
	}))
	defer server.Close()

	members, err := newTestClient(t, server.URL).GetCollection(context.Background(), "/redfish/v1/Systems", CollectionOptions{})
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestGetCollection_OtherBadRequestFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("$skip") != "" {
			writeTestJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "Unsupported query parameter."}})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"Members":                []any{map[string]any{"@odata.id": "/redfish/v1/Systems/1"}},
			"Members@odata.nextLink": "/redfish/v1/Systems?$skip=1",
		})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetCollection(context.Background(), "/redfish/v1/Systems", CollectionOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, "Unsupported query parameter.", MessageOf(err))
}

func TestGetCollection_ExpandIsForwarded(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetCollection(context.Background(), "/redfish/v1/Systems", CollectionOptions{Expand: "*($levels=1)"})
	require.NoError(t, err)

	requests := server.RequestsTo(http.MethodGet, "/redfish/v1/Systems")
	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.Contains(t, req.Query, "$expand=")
	}
}

func TestGetEntity_NotFoundIsNotSupported(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	defer server.Close()

	_, err := newTestClient(t, server.URL).GetEntity(context.Background(), "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/DellJobService")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.True(t, IsNotFound(err))
}

func TestSubmit_Outcomes(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	defer server.Close()

	const settings = "/redfish/v1/Systems/System.Embedded.1/Bios/Settings"
	server.OnSubmit(http.MethodPatch, settings, redfishtest.Reply{
		Status:   http.StatusAccepted,
		Location: "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs/JID_1001",
	})
	server.OnSubmit(http.MethodPost, "/redfish/v1/Actions/NoLocation", redfishtest.Reply{Status: http.StatusAccepted})
	server.OnSubmit(http.MethodPatch, "/redfish/v1/Managers/iDRAC.Embedded.1/Attributes", redfishtest.Reply{
		Status: http.StatusOK,
		Body:   map[string]any{"Attributes": map[string]any{"SNMP.1.AgentEnable": "Enabled"}},
	})
	server.OnSubmit(http.MethodPost, "/redfish/v1/Actions/Broken", redfishtest.Reply{
		Status: http.StatusBadRequest,
		Body:   map[string]any{"Message": "Unable to run the method because the requested HTTP method is not allowed."},
	})

	client := newTestClient(t, server.URL)
	ctx := context.Background()

	sub, err := client.Patch(ctx, settings, map[string]any{"Attributes": map[string]any{"MemTest": "Disabled"}})
	require.NoError(t, err)
	require.True(t, sub.HasJob())
	assert.Equal(t, "JID_1001", sub.Handle.ID)
	assert.Equal(t, "/redfish/v1/Managers/iDRAC.Embedded.1/Jobs", sub.Handle.Collection)

	_, err = client.Post(ctx, "/redfish/v1/Actions/NoLocation", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	sub, err = client.Patch(ctx, "/redfish/v1/Managers/iDRAC.Embedded.1/Attributes", map[string]any{"Attributes": map[string]any{}})
	require.NoError(t, err)
	assert.False(t, sub.HasJob())
	assert.Equal(t, "Enabled", sub.Body().Object("Attributes").String("SNMP.1.AgentEnable"))

	_, err = client.Post(ctx, "/redfish/v1/Actions/Broken", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, MessageOf(err), "not allowed")

	_, err = client.Delete(ctx, "/redfish/v1/Missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestMemberResolver_ResolvesByIDAndCaches(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	defer server.Close()
	server.AddCollection("/redfish/v1/Systems", []map[string]any{
		{"@odata.id": "/redfish/v1/Systems/node-b"},
		{"@odata.id": "/redfish/v1/Systems/node-a"},
	})

	client := newTestClient(t, server.URL)
	resolver := NewMemberResolver()

	first, err := resolver.Resolve(context.Background(), client, SystemsPath, "NODE-B")
	require.NoError(t, err)
	assert.Equal(t, "/redfish/v1/Systems/node-b", first)

	second, err := resolver.Resolve(context.Background(), client, SystemsPath, "NODE-B")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	fallback, err := resolver.Resolve(context.Background(), client, SystemsPath, "")
	require.NoError(t, err)
	assert.Equal(t, "/redfish/v1/Systems/node-a", fallback)
	// two uncached resolutions, each reading one page plus the out-of-range probe
	assert.Len(t, server.RequestsTo(http.MethodGet, "/redfish/v1/Systems"), 4)
}

func TestMemberResolver_EmptyCollection(t *testing.T) {
	t.Parallel()

	server := redfishtest.New()
	defer server.Close()
	server.AddCollection("/redfish/v1/Managers", nil)

	_, err := NewMemberResolver().Resolve(context.Background(), newTestClient(t, server.URL), ManagersPath, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSupported)
}
