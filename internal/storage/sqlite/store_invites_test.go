package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/invite"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/storage"
)

func TestCreateInviteEnforcesOneActivePerDonor(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "invitee@example.com", donor.StatusActive, now)

	first, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:        owner.ID,
		Status:         invite.StatusPending,
		Libraries:      []string{"Movies", "Shows"},
		RecipientEmail: "friend@example.com",
		CreatedAt:      now,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if first.ID <= 0 {
		t.Fatal("expected assigned id")
	}

	_, err = store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now.Add(time.Minute),
	})
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeInviteActiveExists {
		t.Fatalf("expected active-invite conflict, got %v", err)
	}

	// Revoking the first frees the slot.
	if err := store.MarkInviteRevoked(context.Background(), first.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke invite: %v", err)
	}
	if _, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("create invite after revoke: %v", err)
	}
}

func TestMarkInviteFailedFreesActiveSlot(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "retry@example.com", donor.StatusActive, now)

	stub, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create stub invite: %v", err)
	}
	if err := store.MarkInviteFailed(context.Background(), stub.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if _, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("create invite after failure: %v", err)
	}

	if _, err := store.ActiveInviteByDonor(context.Background(), owner.ID); err != nil {
		t.Fatalf("active invite after failure: %v", err)
	}
}

func TestUpdateInviteMedia(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "mediainvite@example.com", donor.StatusActive, now)

	stub, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	if err := store.UpdateInviteMedia(context.Background(), stub.ID, "plex-inv-1", "https://plex.example/invite/1", invite.StatusPending); err != nil {
		t.Fatalf("update invite media: %v", err)
	}

	loaded, err := store.GetInvite(context.Background(), stub.ID)
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if loaded.MediaInviteID != "plex-inv-1" {
		t.Fatalf("expected media invite id, got %q", loaded.MediaInviteID)
	}
	if loaded.MediaInviteURL != "https://plex.example/invite/1" {
		t.Fatalf("expected media invite url, got %q", loaded.MediaInviteURL)
	}
}

func TestMarkInviteRevokedKeepsFirstTime(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "revoke-once@example.com", donor.StatusActive, now)

	record, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	firstRevoke := now.Add(time.Hour)
	if err := store.MarkInviteRevoked(context.Background(), record.ID, firstRevoke); err != nil {
		t.Fatalf("revoke invite: %v", err)
	}
	if err := store.MarkInviteRevoked(context.Background(), record.ID, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("revoke invite again: %v", err)
	}

	loaded, err := store.GetInvite(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if loaded.RevokedAt == nil || !loaded.RevokedAt.Equal(firstRevoke) {
		t.Fatalf("expected first revoke time %v, got %v", firstRevoke, loaded.RevokedAt)
	}
	if loaded.Status != invite.StatusRevoked {
		t.Fatalf("expected revoked status, got %v", loaded.Status)
	}

	mediaRevoke := now.Add(3 * time.Hour)
	if err := store.MarkMediaRevoked(context.Background(), record.ID, mediaRevoke); err != nil {
		t.Fatalf("mark media revoked: %v", err)
	}
	if err := store.MarkMediaRevoked(context.Background(), record.ID, now.Add(4*time.Hour)); err != nil {
		t.Fatalf("mark media revoked again: %v", err)
	}
	loaded, err = store.GetInvite(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get invite after media revoke: %v", err)
	}
	if loaded.MediaRevokedAt == nil || !loaded.MediaRevokedAt.Equal(mediaRevoke) {
		t.Fatalf("expected first media revoke time %v, got %v", mediaRevoke, loaded.MediaRevokedAt)
	}
}

func TestLatestInviteAnchorsCooldownAcrossStates(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "cooldown@example.com", donor.StatusActive, now)

	old, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create old invite: %v", err)
	}
	if err := store.MarkInviteRevoked(context.Background(), old.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke old invite: %v", err)
	}

	newer, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create newer invite: %v", err)
	}
	if err := store.MarkInviteRevoked(context.Background(), newer.ID, now.Add(3*time.Hour)); err != nil {
		t.Fatalf("revoke newer invite: %v", err)
	}

	latest, err := store.LatestInviteByDonor(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("latest invite: %v", err)
	}
	if latest.ID != newer.ID {
		t.Fatalf("expected invite %d, got %d", newer.ID, latest.ID)
	}

	// A failed provisioning attempt never anchors the window.
	failed, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		CreatedAt: now.Add(4 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create failed invite: %v", err)
	}
	if err := store.MarkInviteFailed(context.Background(), failed.ID); err != nil {
		t.Fatalf("mark invite failed: %v", err)
	}
	latest, err = store.LatestInviteByDonor(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("latest invite after failure: %v", err)
	}
	if latest.ID != newer.ID {
		t.Fatalf("expected anchor %d to skip failed attempt, got %d", newer.ID, latest.ID)
	}

	if _, err := store.ActiveInviteByDonor(context.Background(), owner.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no active invite, got %v", err)
	}

	all, err := store.ListInvitesByDonor(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("list invites: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 invites, got %d", len(all))
	}
	if all[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %d", all[0].ID)
	}
}

func TestInviteLibrariesRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	owner := seedDonor(t, store, "libraries@example.com", donor.StatusActive, now)

	created, err := store.CreateInvite(context.Background(), invite.Invite{
		DonorID:   owner.ID,
		Status:    invite.StatusPending,
		Libraries: []string{"Movies", "Music"},
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	loaded, err := store.GetInvite(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get invite: %v", err)
	}
	if len(loaded.Libraries) != 2 || loaded.Libraries[0] != "Movies" || loaded.Libraries[1] != "Music" {
		t.Fatalf("expected libraries to round trip, got %v", loaded.Libraries)
	}
}
