package web

import (
	"encoding/json"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/invite"
	"github.com/donorgate/donorgate/internal/sharelink"
	"github.com/donorgate/donorgate/internal/storage"
)

type donorView struct {
	ID              int64      `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name,omitempty"`
	Status          string     `json:"status"`
	SubscriptionID  string     `json:"subscription_id,omitempty"`
	EmailVerified   bool       `json:"email_verified"`
	MediaLinked     bool       `json:"media_linked"`
	MediaEmail      string     `json:"media_email,omitempty"`
	LastPaymentAt   *time.Time `json:"last_payment_at,omitempty"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func newDonorView(d donor.Donor) donorView {
	return donorView{
		ID:              d.ID,
		Email:           d.Email,
		Name:            d.Name,
		Status:          donor.StatusLabel(d.Status),
		SubscriptionID:  d.SubscriptionID,
		EmailVerified:   d.EmailVerified(),
		MediaLinked:     d.MediaLinked(),
		MediaEmail:      d.MediaEmail,
		LastPaymentAt:   d.LastPaymentAt,
		AccessExpiresAt: d.AccessExpiresAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type inviteView struct {
	ID             int64      `json:"id"`
	Status         string     `json:"status"`
	RecipientEmail string     `json:"recipient_email,omitempty"`
	Note           string     `json:"note,omitempty"`
	Libraries      []string   `json:"libraries,omitempty"`
	MediaInviteURL string     `json:"media_invite_url,omitempty"`
	EmailSentAt    *time.Time `json:"email_sent_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newInviteView(inv invite.Invite) inviteView {
	return inviteView{
		ID:             inv.ID,
		Status:         invite.StatusLabel(inv.Status),
		RecipientEmail: inv.RecipientEmail,
		Note:           inv.Note,
		Libraries:      inv.Libraries,
		MediaInviteURL: inv.MediaInviteURL,
		EmailSentAt:    inv.EmailSentAt,
		RevokedAt:      inv.RevokedAt,
		CreatedAt:      inv.CreatedAt,
	}
}

type shareLinkView struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

func (s *Server) newShareLinkView(link sharelink.ShareLink) shareLinkView {
	return shareLinkView{
		Token:     link.Token,
		URL:       s.baseURL + "/share/" + link.Token,
		ExpiresAt: link.ExpiresAt,
		Used:      link.UsedAt != nil,
	}
}

type paymentView struct {
	ID                 int64     `json:"id"`
	ProcessorPaymentID string    `json:"processor_payment_id"`
	Amount             string    `json:"amount"`
	Currency           string    `json:"currency"`
	PaidAt             time.Time `json:"paid_at"`
}

func newPaymentView(p storage.Payment) paymentView {
	return paymentView{
		ID:                 p.ID,
		ProcessorPaymentID: p.ProcessorPaymentID,
		Amount:             p.Amount,
		Currency:           p.Currency,
		PaidAt:             p.PaidAt,
	}
}

type supportRequestView struct {
	ID        int64     `json:"id"`
	DonorID   int64     `json:"donor_id"`
	Subject   string    `json:"subject"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSupportRequestView(req storage.SupportRequest) supportRequestView {
	return supportRequestView{
		ID:        req.ID,
		DonorID:   req.DonorID,
		Subject:   req.Subject,
		Resolved:  req.Resolved,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
}

type supportMessageView struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func newSupportMessageView(m storage.SupportMessage) supportMessageView {
	return supportMessageView{
		ID:        m.ID,
		Author:    string(m.Author),
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	DonorID   int64           `json:"donor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newEventView(e storage.Event) eventView {
	view := eventView{
		ID:        e.ID,
		Type:      e.Type,
		DonorID:   e.DonorID,
		CreatedAt: e.CreatedAt,
	}
	if len(e.PayloadJSON) > 0 {
		view.Payload = json.RawMessage(e.PayloadJSON)
	}
	return view
}
