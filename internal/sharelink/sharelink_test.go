package sharelink

import (
	"errors"
	"testing"
	"time"
)

func TestCreateRequiresExactlyOneOwner(t *testing.T) {
	tests := []struct {
		name  string
		input CreateInput
		err   error
	}{
		{name: "no owner", input: CreateInput{}, err: ErrOwnerRequired},
		{name: "two owners", input: CreateInput{DonorID: 1, ProspectID: 2}, err: ErrOwnerConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(tt.input, nil, nil)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
		})
	}
}

func TestCreateGeneratesDistinctTokens(t *testing.T) {
	fixedTime := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sequence := []string{"token-a", "token-b"}
	next := 0

	link, err := Create(CreateInput{DonorID: 9}, func() time.Time { return fixedTime }, func() (string, error) {
		value := sequence[next]
		next++
		return value, nil
	})
	if err != nil {
		t.Fatalf("create share link: %v", err)
	}

	if link.Token != "token-a" || link.SessionToken != "token-b" {
		t.Fatalf("expected distinct tokens, got %q and %q", link.Token, link.SessionToken)
	}
	if !link.OwnedByDonor() {
		t.Fatal("expected donor ownership")
	}
	want := fixedTime.Add(DefaultTTL)
	if !link.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", link.ExpiresAt, want)
	}
}

func TestUsableRejectsSpentAndExpired(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	usedAt := now.Add(-time.Hour)

	fresh := ShareLink{ExpiresAt: now.Add(time.Hour)}
	if err := fresh.Usable(now); err != nil {
		t.Fatalf("fresh link should be usable, got %v", err)
	}

	spent := ShareLink{ExpiresAt: now.Add(time.Hour), UsedAt: &usedAt}
	if err := spent.Usable(now); !errors.Is(err, ErrUsed) {
		t.Fatalf("expected ErrUsed, got %v", err)
	}

	expired := ShareLink{ExpiresAt: now.Add(-time.Minute)}
	if err := expired.Usable(now); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// Expiry boundary itself rejects: the window is [createdAt, expiresAt).
	atBoundary := ShareLink{ExpiresAt: now}
	if err := atBoundary.Usable(now); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired at boundary, got %v", err)
	}
}
