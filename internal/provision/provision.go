// Package provision coordinates media invites end to end: entitlement and
// link preconditions, the distinct-recipient cooldown, the media-server
// share, the invite record, and the recipient notification.
//
// Issuance and revocation serialise per donor on the mutex table shared
// with the webhook processor, so an invite can never race a concurrent
// lifecycle commit for the same record.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/invite"
	"github.com/donorgate/donorgate/internal/media"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/platform/keymutex"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/sharelink"
	"github.com/donorgate/donorgate/internal/storage"
)

// Audit row type for invite issuance.
const eventTypeInviteCreated = "invite.created"

// MediaProvisioner is the media-server surface the coordinator drives; the
// media adapter implements it.
type MediaProvisioner interface {
	CreateInvite(ctx context.Context, req media.InviteRequest) (media.CreatedInvite, error)
	RevokeUser(ctx context.Context, req media.RevokeRequest) (media.RevokeResult, error)
}

// InviteMailer sends the recipient notification; the mail adapter
// implements it.
type InviteMailer interface {
	SendInvite(ctx context.Context, to, toName, serverName, inviteURL string) error
}

// Config wires a Coordinator.
type Config struct {
	Store storage.Store
	Media MediaProvisioner
	// Locks is the per-donor mutex table shared with the webhook processor.
	Locks *keymutex.KeyMutex
	// Mailer is optional; nil skips recipient notifications.
	Mailer InviteMailer
	// BaseURL roots share-link funnel URLs carried in invite mail.
	BaseURL string
	Now     func() time.Time
}

// Coordinator issues, reuses and revokes media invites.
type Coordinator struct {
	store   storage.Store
	media   MediaProvisioner
	locks   *keymutex.KeyMutex
	mailer  InviteMailer
	baseURL string
	now     func() time.Time
}

// New builds a Coordinator from its dependencies.
func New(cfg Config) *Coordinator {
	if cfg.Locks == nil {
		cfg.Locks = keymutex.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:   cfg.Store,
		media:   cfg.Media,
		locks:   cfg.Locks,
		mailer:  cfg.Mailer,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		now:     cfg.Now,
	}
}

// IssueRequest asks for a media invite on a donor's behalf.
type IssueRequest struct {
	DonorID        int64
	RecipientEmail string
	Note           string
	// Libraries overrides the configured section set when non-empty.
	Libraries []string
}

// IssueResult reports the invite that satisfies the request.
type IssueResult struct {
	Invite invite.Invite
	// Reused is true when an existing invite satisfied the request without a
	// new media share.
	Reused bool
	// ShareLink is the registration funnel link attached for a recipient who
	// cannot sign in yet; nil otherwise.
	ShareLink *sharelink.ShareLink
}

// Issue provisions a media invite. Preconditions fail in a fixed order:
// entitlement, media link, cooldown, recipient validity. A request naming
// the active invite's recipient is idempotent and returns it unchanged.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if c == nil || c.store == nil || c.media == nil {
		return IssueResult{}, fmt.Errorf("invite coordinator is not configured")
	}
	if req.DonorID <= 0 {
		return IssueResult{}, apperrors.New(apperrors.CodeValidation, "donor id is required")
	}

	key := donorLockKey(req.DonorID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	d, err := c.store.GetDonor(ctx, req.DonorID)
	if err != nil {
		return IssueResult{}, fmt.Errorf("load donor %d: %w", req.DonorID, err)
	}
	if !d.Status.Entitled() {
		return IssueResult{}, apperrors.New(apperrors.CodeInviteSubscriptionRequired,
			"an active subscription or trial is required to issue invites")
	}
	if !d.MediaLinked() {
		return IssueResult{}, apperrors.New(apperrors.CodeInviteMediaLinkRequired,
			"a linked media account is required to issue invites")
	}

	now := c.now().UTC()
	recipient := donor.NormalizeEmail(req.RecipientEmail)

	active, err := c.store.ActiveInviteByDonor(ctx, d.ID)
	haveActive := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return IssueResult{}, fmt.Errorf("load active invite: %w", err)
	}
	if haveActive && recipient != "" && active.RecipientEmail == recipient {
		return c.reuse(ctx, d, active, now)
	}

	latest, err := c.store.LatestInviteByDonor(ctx, d.ID)
	var anchor *invite.Invite
	if err == nil {
		anchor = &latest
	} else if !errors.Is(err, storage.ErrNotFound) {
		return IssueResult{}, fmt.Errorf("load latest invite: %w", err)
	}

	cooldown := invite.EvaluateCooldown(anchor, c.cooldownWindow(ctx), now)
	if cooldown.Blocked {
		if anchor != nil && recipient != "" && anchor.RecipientEmail == recipient {
			// A revoked invite to the same recipient rides out the window
			// as-is rather than minting a fresh share.
			return IssueResult{Invite: *anchor, Reused: true}, nil
		}
		return IssueResult{}, apperrors.WithMetadata(apperrors.CodeInviteCooldownActive,
			"a recent invite blocks new recipients until the window releases",
			map[string]string{"retry_at": cooldown.NextAvailableAt.UTC().Format(time.RFC3339)})
	}

	stub, err := invite.Create(invite.CreateInput{
		DonorID:        d.ID,
		RecipientEmail: req.RecipientEmail,
		Note:           req.Note,
		Libraries:      req.Libraries,
		MediaAccountID: d.MediaAccountID,
		MediaEmail:     d.MediaEmail,
	}, c.now)
	if err != nil {
		return IssueResult{}, err
	}

	// Clear every share still held before creating a new one, so a retried
	// revocation can never remove the share issued below.
	if err := c.revokePendingLocked(ctx, d, now); err != nil {
		return IssueResult{}, err
	}

	stored, err := c.store.CreateInviteWithEvent(ctx, stub, storage.Event{
		Type:        eventTypeInviteCreated,
		DonorID:     d.ID,
		PayloadJSON: marshalPayload(inviteCreatedPayload{RecipientEmail: stub.RecipientEmail, Libraries: stub.Libraries, Note: stub.Note}),
	})
	if err != nil {
		return IssueResult{}, fmt.Errorf("create invite record: %w", err)
	}

	created, err := c.media.CreateInvite(ctx, media.InviteRequest{
		Email:      stored.RecipientEmail,
		SectionIDs: stored.Libraries,
	})
	if err != nil {
		if markErr := c.store.MarkInviteFailed(ctx, stored.ID); markErr != nil {
			log.Printf("provision: mark invite %d failed: %v", stored.ID, markErr)
		}
		return IssueResult{}, fmt.Errorf("create media invite: %w", err)
	}

	status := invite.StatusFromLabel(created.Status)
	if status == invite.StatusUnspecified {
		status = invite.StatusPending
	}
	if err := c.store.UpdateInviteMedia(ctx, stored.ID, created.InviteID, created.InviteURL, status); err != nil {
		return IssueResult{}, fmt.Errorf("record media invite identifiers: %w", err)
	}
	stored.MediaInviteID = created.InviteID
	stored.MediaInviteURL = created.InviteURL
	stored.Status = status

	link := c.ensureShareLink(ctx, d, stored.RecipientEmail, now)
	c.notifyRecipient(ctx, d, &stored, link)

	return IssueResult{Invite: stored, ShareLink: link}, nil
}

// reuse returns the active invite unchanged while its registration link, if
// any, still works. An expired link gets fresh tokens and a re-sent
// notification; a spent link means the account exists and nothing is owed.
func (c *Coordinator) reuse(ctx context.Context, d donor.Donor, active invite.Invite, now time.Time) (IssueResult, error) {
	ownerDonorID, ownerProspectID, ok := c.resolveLinkOwner(ctx, d, active.RecipientEmail, now, false)
	if !ok {
		return IssueResult{Invite: active, Reused: true}, nil
	}

	existing, err := c.linkByOwner(ctx, ownerDonorID, ownerProspectID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return IssueResult{}, fmt.Errorf("load share link for reuse: %w", err)
		}
		return IssueResult{Invite: active, Reused: true}, nil
	}
	if existing.Used() || existing.Usable(now) == nil {
		return IssueResult{Invite: active, Reused: true, ShareLink: &existing}, nil
	}

	refreshed, err := c.mintShareLink(ctx, ownerDonorID, ownerProspectID)
	if err != nil {
		return IssueResult{}, err
	}
	c.notifyRecipient(ctx, d, &active, refreshed)
	return IssueResult{Invite: active, Reused: true, ShareLink: refreshed}, nil
}

// RevokeForDonor removes every media share the donor still holds and
// records the confirmations. The webhook processor and the expiration sweep
// call it; a media failure leaves the pending confirmation in place for the
// next retry, and a second call with nothing pending is a no-op.
func (c *Coordinator) RevokeForDonor(ctx context.Context, d donor.Donor) error {
	if c == nil || c.store == nil || c.media == nil {
		return fmt.Errorf("invite coordinator is not configured")
	}
	if d.ID <= 0 {
		return apperrors.New(apperrors.CodeValidation, "donor id is required")
	}

	key := donorLockKey(d.ID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	return c.revokePendingLocked(ctx, d, c.now().UTC())
}

// revokePendingLocked walks the donor's invites and clears every one whose
// media share is unconfirmed as removed. Gateway-side revocation is marked
// first; the media confirmation lands only after the server removed the
// share or reported it missing.
func (c *Coordinator) revokePendingLocked(ctx context.Context, d donor.Donor, now time.Time) error {
	invites, err := c.store.ListInvitesByDonor(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("list invites for donor %d: %w", d.ID, err)
	}

	for _, inv := range invites {
		if inv.Status == invite.StatusFailed || inv.MediaRevokedAt != nil {
			continue
		}
		if inv.RevokedAt == nil {
			if err := c.store.MarkInviteRevoked(ctx, inv.ID, now); err != nil {
				return fmt.Errorf("mark invite %d revoked: %w", inv.ID, err)
			}
		}
		result, err := c.media.RevokeUser(ctx, media.RevokeRequest{
			MediaAccountID: inv.MediaAccountID,
			Email:          revokeEmail(inv),
		})
		if err != nil {
			return fmt.Errorf("revoke media share for invite %d: %w", inv.ID, err)
		}
		if !result.Success && result.Reason != media.RevokeReasonNotFound {
			return fmt.Errorf("media server declined revocation for invite %d (%s)", inv.ID, result.Reason)
		}
		if err := c.store.MarkMediaRevoked(ctx, inv.ID, c.now().UTC()); err != nil {
			return fmt.Errorf("mark media revoked for invite %d: %w", inv.ID, err)
		}
	}
	return nil
}

// ensureShareLink attaches a registration funnel link when the recipient
// cannot sign in yet: the donor's own link while their password is unset, or
// a prospect-owned link for an outside recipient. Link trouble never fails
// an issued invite.
func (c *Coordinator) ensureShareLink(ctx context.Context, d donor.Donor, recipient string, now time.Time) *sharelink.ShareLink {
	ownerDonorID, ownerProspectID, ok := c.resolveLinkOwner(ctx, d, recipient, now, true)
	if !ok {
		return nil
	}

	existing, err := c.linkByOwner(ctx, ownerDonorID, ownerProspectID)
	if err == nil {
		if existing.Used() || existing.Usable(now) == nil {
			return &existing
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("provision: load share link for %s: %v", recipient, err)
		return nil
	}

	fresh, err := c.mintShareLink(ctx, ownerDonorID, ownerProspectID)
	if err != nil {
		log.Printf("provision: attach share link for %s: %v", recipient, err)
		return nil
	}
	return fresh
}

// resolveLinkOwner decides who owns the recipient's registration link. A
// recipient who can already sign in needs none. createMissing controls
// whether an unknown recipient gets a prospect row.
func (c *Coordinator) resolveLinkOwner(ctx context.Context, d donor.Donor, recipient string, now time.Time, createMissing bool) (int64, int64, bool) {
	if recipient == "" {
		return 0, 0, false
	}
	if recipient == donor.NormalizeEmail(d.Email) {
		if d.HasPassword() {
			return 0, 0, false
		}
		return d.ID, 0, true
	}

	other, err := c.store.GetDonorByEmail(ctx, recipient)
	if err == nil {
		if other.HasPassword() {
			return 0, 0, false
		}
		return other.ID, 0, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("provision: look up donor %s: %v", recipient, err)
		return 0, 0, false
	}

	prospect, err := c.store.GetProspectByEmail(ctx, recipient)
	if err == nil {
		return 0, prospect.ID, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("provision: look up prospect %s: %v", recipient, err)
		return 0, 0, false
	}
	if !createMissing {
		return 0, 0, false
	}

	created, err := c.store.CreateProspect(ctx, donor.Prospect{
		Email:     recipient,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		log.Printf("provision: create prospect %s: %v", recipient, err)
		return 0, 0, false
	}
	return 0, created.ID, true
}

func (c *Coordinator) linkByOwner(ctx context.Context, donorID, prospectID int64) (sharelink.ShareLink, error) {
	if donorID > 0 {
		return c.store.GetShareLinkByDonor(ctx, donorID)
	}
	return c.store.GetShareLinkByProspect(ctx, prospectID)
}

func (c *Coordinator) mintShareLink(ctx context.Context, donorID, prospectID int64) (*sharelink.ShareLink, error) {
	fresh, err := sharelink.Create(sharelink.CreateInput{DonorID: donorID, ProspectID: prospectID}, c.now, nil)
	if err != nil {
		return nil, fmt.Errorf("build share link: %w", err)
	}
	stored, err := c.store.CreateOrUpdateShareLink(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("store share link: %w", err)
	}
	return &stored, nil
}

// notifyRecipient mails the invite and records the send. Mail trouble is
// logged, never fatal: the share exists either way.
func (c *Coordinator) notifyRecipient(ctx context.Context, d donor.Donor, inv *invite.Invite, link *sharelink.ShareLink) {
	if c.mailer == nil || inv.RecipientEmail == "" {
		return
	}

	url := inv.MediaInviteURL
	if url == "" && link != nil {
		url = c.funnelURL(link.Token)
	}
	toName := ""
	if inv.RecipientEmail == donor.NormalizeEmail(d.Email) {
		toName = d.Name
	}

	if err := c.mailer.SendInvite(ctx, inv.RecipientEmail, toName, c.serverName(ctx), url); err != nil {
		log.Printf("provision: send invite mail for donor %d: %v", d.ID, err)
		return
	}
	sentAt := c.now().UTC()
	if err := c.store.MarkInviteEmailSent(ctx, inv.ID, sentAt); err != nil {
		log.Printf("provision: mark invite %d email sent: %v", inv.ID, err)
		return
	}
	inv.EmailSentAt = &sentAt
}

// cooldownWindow reads the configured distinct-recipient window.
func (c *Coordinator) cooldownWindow(ctx context.Context) time.Duration {
	blob, err := c.store.GetSettings(ctx, settings.GroupCooldown)
	if err != nil {
		return invite.DefaultCooldownWindow
	}
	group := settings.Decode(blob, settings.DefaultCooldown)
	if group.Days <= 0 {
		return invite.DefaultCooldownWindow
	}
	return time.Duration(group.Days) * 24 * time.Hour
}

func (c *Coordinator) serverName(ctx context.Context) string {
	blob, err := c.store.GetSettings(ctx, settings.GroupMedia)
	if err != nil {
		return ""
	}
	return settings.Decode(blob, settings.DefaultMedia).FriendlyName
}

func (c *Coordinator) funnelURL(token string) string {
	if c.baseURL == "" || token == "" {
		return ""
	}
	return c.baseURL + "/share/" + token
}

type inviteCreatedPayload struct {
	RecipientEmail string   `json:"recipient_email"`
	Libraries      []string `json:"libraries,omitempty"`
	Note           string   `json:"note,omitempty"`
}

func marshalPayload(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func revokeEmail(inv invite.Invite) string {
	if inv.RecipientEmail != "" {
		return inv.RecipientEmail
	}
	return inv.MediaEmail
}

// donorLockKey matches the webhook processor's key convention so both
// components contend on the same per-donor entry.
func donorLockKey(id int64) string {
	return fmt.Sprintf("donor/%d", id)
}
