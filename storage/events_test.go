package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// fakeEventPager feeds canned pages to the trim walk, newest version first,
// the way the inverted row keys order a real listing.
type fakeEventPager struct {
	pages [][][]byte
	next  int
}

func (p *fakeEventPager) More() bool {
	return p.next < len(p.pages)
}

func (p *fakeEventPager) NextPage(context.Context) (aztables.ListEntitiesResponse, error) {
	page := p.pages[p.next]
	p.next++
	return aztables.ListEntitiesResponse{Entities: page}, nil
}

func pagedEventRows(t *testing.T, entityType, entityID string, total, pageSize int) [][][]byte {
	t.Helper()
	var pages [][][]byte
	var page [][]byte
	for v := int64(total); v >= 1; v-- {
		raw, err := json.Marshal(eventEntity{
			Entity: aztables.Entity{
				PartitionKey: eventPartitionKey(entityType, entityID),
				RowKey:       eventRowKey(v),
			},
			EventID: "e",
			Type:    "entity-updated",
			Version: v,
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		page = append(page, raw)
		if len(page) == pageSize {
			pages = append(pages, page)
			page = nil
		}
	}
	if len(page) > 0 {
		pages = append(pages, page)
	}
	return pages
}

func TestEventRowKeyOrdersDescending(t *testing.T) {
	// Azure Tables lists rows ascending by key, so a higher version must
	// produce a lexicographically smaller row key.
	versions := []int64{1, 2, 99, 100, 1 << 40}
	for i := 1; i < len(versions); i++ {
		lo := eventRowKey(versions[i-1])
		hi := eventRowKey(versions[i])
		if !(hi < lo) {
			t.Fatalf("row key for version %d (%s) not before version %d (%s)", versions[i], hi, versions[i-1], lo)
		}
	}
}

func TestVersionFromRowKeyRoundTrip(t *testing.T) {
	for _, v := range []int64{1, 42, 100, 1 << 50} {
		got, err := versionFromRowKey(eventRowKey(v))
		if err != nil {
			t.Fatalf("parse row key: %v", err)
		}
		if got != v {
			t.Fatalf("expected version %d, got %d", v, got)
		}
	}
}

func TestTrimKeepsHighestVersions(t *testing.T) {
	// 150 stored events, keep the last 100: the 50 oldest versions go and the
	// 100 newest stay untouched.
	pager := &fakeEventPager{pages: pagedEventRows(t, "project", "42", 150, 40)}

	deletedVersions := map[int64]bool{}
	del := func(_ context.Context, pk, rk string) error {
		if pk != eventPartitionKey("project", "42") {
			t.Fatalf("unexpected partition key %q", pk)
		}
		v, err := versionFromRowKey(rk)
		if err != nil {
			t.Fatalf("parse row key: %v", err)
		}
		if deletedVersions[v] {
			t.Fatalf("version %d deleted twice", v)
		}
		deletedVersions[v] = true
		return nil
	}

	deleted, err := trimPages(context.Background(), pager, 100, del)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 50 {
		t.Fatalf("expected 50 deletions, got %d", deleted)
	}
	for v := int64(1); v <= 50; v++ {
		if !deletedVersions[v] {
			t.Fatalf("version %d survived, want versions 1..50 deleted", v)
		}
	}
	for v := int64(51); v <= 150; v++ {
		if deletedVersions[v] {
			t.Fatalf("version %d deleted, want versions 51..150 kept", v)
		}
	}
}

func TestTrimNoopWhenUnderLimit(t *testing.T) {
	pager := &fakeEventPager{pages: pagedEventRows(t, "project", "42", 30, 40)}
	deleted, err := trimPages(context.Background(), pager, 100, func(context.Context, string, string) error {
		t.Fatal("delete called for a log under the retention limit")
		return nil
	})
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected no deletions, got %d", deleted)
	}
}

func TestAppendRejectsSeparatorInEntityType(t *testing.T) {
	// An underscore in the type would collide with the partition key join and
	// decode back to the wrong coordinates.
	s := &Storage{}
	for _, entityType := range []string{"bad_type", "bad/type", ""} {
		if _, err := s.Append(context.Background(), entityType, "42", "entity-updated", nil, "u1"); err == nil {
			t.Fatalf("expected error for entity type %q", entityType)
		}
	}
	if _, err := s.Append(context.Background(), "project", "", "entity-updated", nil, "u1"); err == nil {
		t.Fatal("expected error for empty entity id")
	}
}

func TestPartitionFilterEscapesQuotes(t *testing.T) {
	filter := partitionFilter("project", "o'brien")
	want := "PartitionKey eq 'project_o''brien'"
	if filter != want {
		t.Fatalf("expected %q, got %q", want, filter)
	}
}

func TestDecodeEventEntityRejectsMalformedPartitionKey(t *testing.T) {
	raw, err := json.Marshal(eventEntity{
		Entity: aztables.Entity{PartitionKey: "nodash", RowKey: eventRowKey(1)},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := decodeEventEntity(raw); err == nil {
		t.Fatal("expected error for malformed partition key")
	}
}

func TestDecodeEventEntityRestoresData(t *testing.T) {
	raw, err := json.Marshal(eventEntity{
		Entity:    aztables.Entity{PartitionKey: "project_42", RowKey: eventRowKey(3)},
		EventID:   "e1",
		Type:      "entity-updated",
		Data:      `{"status":"paused"}`,
		UserID:    "u1",
		Timestamp: 7,
		Version:   3,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ev, err := decodeEventEntity(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EntityType != "project" || ev.EntityID != "42" {
		t.Fatalf("unexpected entity coordinates: %s/%s", ev.EntityType, ev.EntityID)
	}
	if ev.Data["status"] != "paused" {
		t.Fatalf("unexpected data: %v", ev.Data)
	}
	if ev.Version != 3 || ev.Timestamp != 7 {
		t.Fatalf("unexpected version/timestamp: %d/%d", ev.Version, ev.Timestamp)
	}
}
