package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/noah-isme/gatekeep/internal/access"
)

type stubTrailRepo struct {
	entries  []Entry
	lastUser int64
	lastPair string
}

func (s *stubTrailRepo) ListFor(ctx context.Context, userID int64) ([]Entry, error) {
	s.lastUser = userID
	return s.entries, nil
}

func (s *stubTrailRepo) ListForPair(ctx context.Context, userID int64, permissionKey string) ([]Entry, error) {
	s.lastUser = userID
	s.lastPair = permissionKey
	var out []Entry
	for _, e := range s.entries {
		if e.PermissionKey == permissionKey {
			out = append(out, e)
		}
	}
	return out, nil
}

func mockEntry(id int64, key string, prev, next access.State) Entry {
	return Entry{
		ID:            id,
		UserID:        7,
		PermissionKey: key,
		PreviousState: prev,
		NewState:      next,
		ActorID:       1,
		ActorName:     "admin@example.com",
		Reason:        "temporary freeze",
		CreatedAt:     time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func TestServiceTrailPagePaging(t *testing.T) {
	repo := &stubTrailRepo{entries: []Entry{
		mockEntry(1, "invoices.delete", access.StateRoleGranted, access.StateCustomDeny),
		mockEntry(2, "invoices.delete", access.StateCustomDeny, access.StateRoleGranted),
		mockEntry(3, "payments.view", access.StateNoAccess, access.StateCustomGrant),
	}}
	svc := NewService(repo)

	result, err := svc.TrailPage(context.Background(), 7, 1, 2)
	if err != nil {
		t.Fatalf("trail page: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if result.Entries[0].ID != 1 {
		t.Fatalf("expected oldest entry first, got id %d", result.Entries[0].ID)
	}
	if result.Paging.TotalPages != 2 {
		t.Fatalf("expected 2 pages, got %d", result.Paging.TotalPages)
	}
	if repo.lastUser != 7 {
		t.Fatalf("expected user 7, got %d", repo.lastUser)
	}

	result, err = svc.TrailPage(context.Background(), 7, 5, 2)
	if err != nil {
		t.Fatalf("trail page beyond end: %v", err)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("expected empty page beyond end, got %d entries", len(result.Entries))
	}
}

func TestServicePairTrailFilters(t *testing.T) {
	repo := &stubTrailRepo{entries: []Entry{
		mockEntry(1, "invoices.delete", access.StateRoleGranted, access.StateCustomDeny),
		mockEntry(2, "payments.view", access.StateNoAccess, access.StateCustomGrant),
	}}
	svc := NewService(repo)

	entries, err := svc.PairTrail(context.Background(), 7, "invoices.delete")
	if err != nil {
		t.Fatalf("pair trail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if repo.lastPair != "invoices.delete" {
		t.Fatalf("expected pair filter passed through, got %q", repo.lastPair)
	}
}

func TestWriteCSV(t *testing.T) {
	data, err := WriteCSV([]Entry{
		mockEntry(1, "invoices.delete", access.StateRoleGranted, access.StateCustomDeny),
	})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}
	out := string(data)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one record, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "id,user_id,permission_key") {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "ROLE_GRANTED,CUSTOM_DENY") {
		t.Fatalf("expected state transition in record: %s", lines[1])
	}
}
