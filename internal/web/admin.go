package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/donorgate/donorgate/internal/donor"
	"github.com/donorgate/donorgate/internal/mail"
	apperrors "github.com/donorgate/donorgate/internal/platform/errors"
	"github.com/donorgate/donorgate/internal/provision"
	"github.com/donorgate/donorgate/internal/settings"
	"github.com/donorgate/donorgate/internal/sharelink"
	"github.com/donorgate/donorgate/internal/storage"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	csrf, err := s.admin.login(w, r, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": csrf})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.logout(w, r); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}

	donors, err := s.store.ListDonors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]donorView, 0, len(donors))
	for _, d := range donors {
		views = append(views, newDonorView(d))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAdminSubscriber serves /admin/subscribers/{id} and its actions.
func (s *Server) handleAdminSubscriber(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/subscribers/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	donorID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || donorID <= 0 {
		http.NotFound(w, r)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		s.adminSubscriberDetail(w, r, donorID)
	case "invite":
		s.adminIssueInvite(w, r, donorID)
	case "revoke":
		s.adminRevoke(w, r, donorID)
	case "override":
		s.adminOverride(w, r, donorID)
	case "sharelink":
		s.adminDonorShareLink(w, r, donorID)
	case "refresh":
		s.adminRefreshSubscription(w, r, donorID)
	default:
		http.NotFound(w, r)
	}
}

type subscriberDetailView struct {
	Donor     donorView      `json:"donor"`
	Invites   []inviteView   `json:"invites"`
	Payments  []paymentView  `json:"payments"`
	ShareLink *shareLinkView `json:"share_link,omitempty"`
	Events    []eventView    `json:"events"`
}

const subscriberEventLimit = 50

func (s *Server) adminSubscriberDetail(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	d, err := s.store.GetDonor(ctx, donorID)
	if err != nil {
		writeError(w, err)
		return
	}
	view := subscriberDetailView{
		Donor:    newDonorView(d),
		Invites:  []inviteView{},
		Payments: []paymentView{},
		Events:   []eventView{},
	}

	invites, err := s.store.ListInvitesByDonor(ctx, d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, inv := range invites {
		view.Invites = append(view.Invites, newInviteView(inv))
	}

	payments, err := s.store.ListPaymentsByDonor(ctx, d.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, p := range payments {
		view.Payments = append(view.Payments, newPaymentView(p))
	}

	if link, err := s.store.GetShareLinkByDonor(ctx, d.ID); err == nil {
		lv := s.newShareLinkView(link)
		view.ShareLink = &lv
	} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	events, err := s.store.ListEventsByDonor(ctx, d.ID, subscriberEventLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, e := range events {
		view.Events = append(view.Events, newEventView(e))
	}

	writeJSON(w, http.StatusOK, view)
}

// adminIssueInvite provisions on a donor's behalf. The recipient defaults to
// the donor's own address.
func (s *Server) adminIssueInvite(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	if s.provisioner == nil {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "invite provisioning is not configured"))
		return
	}

	var req struct {
		RecipientEmail string   `json:"recipient_email"`
		Note           string   `json:"note"`
		Libraries      []string `json:"libraries"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	recipient := strings.TrimSpace(req.RecipientEmail)
	if recipient == "" {
		d, err := s.store.GetDonor(r.Context(), donorID)
		if err != nil {
			writeError(w, err)
			return
		}
		recipient = d.Email
	}

	result, err := s.provisioner.Issue(r.Context(), provision.IssueRequest{
		DonorID:        donorID,
		RecipientEmail: recipient,
		Note:           req.Note,
		Libraries:      req.Libraries,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	view := issueResultView{Invite: newInviteView(result.Invite), Reused: result.Reused}
	if result.ShareLink != nil {
		link := s.newShareLinkView(*result.ShareLink)
		view.ShareLink = &link
	}
	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, view)
}

func (s *Server) adminRevoke(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}

	decision, err := s.applyLifecycle(r.Context(), donorID,
		donor.Event{Kind: donor.EventAdminRevoke, EventTime: s.now().UTC()}, "admin.revoke")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDonorView(decision.Donor))
}

func (s *Server) adminOverride(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	target := donor.StatusFromLabel(req.Status)
	if target == donor.StatusUnspecified {
		writeError(w, donor.ErrInvalidStatus)
		return
	}

	ev := donor.Event{
		Kind:           donor.EventAdminOverride,
		EventTime:      s.now().UTC(),
		OverrideStatus: target,
	}
	if target == donor.StatusTrial {
		ev.TrialDuration = s.trialDuration(r.Context())
	}
	decision, err := s.applyLifecycle(r.Context(), donorID, ev, "admin.override")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDonorView(decision.Donor))
}

// adminDonorShareLink returns the donor's live registration link, minting a
// replacement when the stored one is spent or expired.
func (s *Server) adminDonorShareLink(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	if _, err := s.store.GetDonor(ctx, donorID); err != nil {
		writeError(w, err)
		return
	}

	now := s.now().UTC()
	if link, err := s.store.GetShareLinkByDonor(ctx, donorID); err == nil && link.Usable(now) == nil {
		writeJSON(w, http.StatusOK, s.newShareLinkView(link))
		return
	} else if err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	fresh, err := sharelink.Create(sharelink.CreateInput{DonorID: donorID}, s.now, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.store.CreateOrUpdateShareLink(ctx, fresh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.newShareLinkView(stored))
}

// adminRefreshSubscription reconciles one donor against the processor on
// demand instead of waiting for the refresh sweep.
func (s *Server) adminRefreshSubscription(w http.ResponseWriter, r *http.Request, donorID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	if s.sweeper == nil {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "subscription refresh is not configured"))
		return
	}

	if err := s.sweeper.RefreshDonor(r.Context(), donorID); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.store.GetDonor(r.Context(), donorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDonorView(d))
}

// handleAdminSettings serves /admin/settings/{group} and .../test.
func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/settings/"), "/")
	parts := strings.Split(rest, "/")
	group := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.adminGetSettings(w, r, group)
	case len(parts) == 1 && r.Method == http.MethodPut:
		s.adminSaveSettings(w, r, group)
	case len(parts) == 2 && parts[1] == "test" && r.Method == http.MethodPost:
		s.adminTestSettings(w, r, group)
	case len(parts) > 2 || (len(parts) == 2 && parts[1] != "test"):
		http.NotFound(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) adminGetSettings(w http.ResponseWriter, r *http.Request, group string) {
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}
	blob, err := s.store.GetSettings(r.Context(), group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(blob))
}

func (s *Server) adminSaveSettings(w http.ResponseWriter, r *http.Request, group string) {
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	var patch json.RawMessage
	if err := readJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.store.GetSettings(ctx, group)
	if err != nil {
		writeError(w, err)
		return
	}
	normalized, err := settings.Normalize(group, stored, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	if group == settings.GroupAnnouncements {
		ann := settings.Decode(normalized, settings.DefaultAnnouncements)
		ann.UpdatedAt = s.now().UTC().Format(time.RFC3339)
		if raw, err := json.Marshal(ann); err == nil {
			normalized = raw
		}
	}

	if err := s.store.SaveSettings(ctx, group, normalized); err != nil {
		writeError(w, err)
		return
	}
	if s.reload != nil {
		s.reload(ctx, group)
	}
	writeJSON(w, http.StatusOK, json.RawMessage(normalized))
}

// adminTestSettings round-trips a candidate configuration against the live
// service without saving it. The body is a patch over the stored group; an
// empty object tests what is stored.
func (s *Server) adminTestSettings(w http.ResponseWriter, r *http.Request, group string) {
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	if s.tester == nil {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "settings testing is not configured"))
		return
	}
	ctx := r.Context()

	var patch json.RawMessage
	if err := readJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.store.GetSettings(ctx, group)
	if err != nil {
		writeError(w, err)
		return
	}
	normalized, err := settings.Normalize(group, stored, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	diag, err := s.tester.TestSettings(ctx, group, normalized)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 200
)

type eventPageView struct {
	Events        []eventView `json:"events"`
	NextPageToken string      `json:"next_page_token,omitempty"`
}

func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}

	pageSize := defaultEventPageSize
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperrors.New(apperrors.CodeValidation, "page_size must be a positive integer"))
			return
		}
		pageSize = parsed
	}
	if pageSize > maxEventPageSize {
		pageSize = maxEventPageSize
	}

	page, err := s.store.ListEvents(r.Context(), pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		writeError(w, err)
		return
	}
	view := eventPageView{Events: make([]eventView, 0, len(page.Events)), NextPageToken: page.NextPageToken}
	for _, e := range page.Events {
		view.Events = append(view.Events, newEventView(e))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAdminSupport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}

	requests, err := s.store.ListSupportRequests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]supportRequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, newSupportRequestView(req))
	}
	writeJSON(w, http.StatusOK, views)
}

type supportThreadView struct {
	Request  supportRequestView   `json:"request"`
	Messages []supportMessageView `json:"messages"`
}

// handleAdminSupportThread serves /admin/support/{id}, .../messages and
// .../resolve.
func (s *Server) handleAdminSupportThread(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/support/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	requestID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || requestID <= 0 {
		http.NotFound(w, r)
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	switch action {
	case "":
		s.adminSupportDetail(w, r, requestID)
	case "messages":
		s.adminSupportReply(w, r, requestID)
	case "resolve":
		s.adminSupportResolve(w, r, requestID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) adminSupportDetail(w http.ResponseWriter, r *http.Request, requestID int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.require(r); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	request, err := s.store.GetSupportRequest(ctx, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListSupportMessages(ctx, requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	view := supportThreadView{Request: newSupportRequestView(request), Messages: make([]supportMessageView, 0, len(messages))}
	for _, m := range messages {
		view.Messages = append(view.Messages, newSupportMessageView(m))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) adminSupportReply(w http.ResponseWriter, r *http.Request, requestID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Body string `json:"body"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" {
		writeError(w, apperrors.New(apperrors.CodeSupportBodyEmpty, "message body is required"))
		return
	}

	if _, err := s.store.GetSupportRequest(r.Context(), requestID); err != nil {
		writeError(w, err)
		return
	}
	message, err := s.store.AppendSupportMessage(r.Context(), storage.SupportMessage{
		RequestID: requestID,
		Author:    storage.SupportAuthorAdmin,
		Body:      body,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSupportMessageView(message))
}

func (s *Server) adminSupportResolve(w http.ResponseWriter, r *http.Request, requestID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.ResolveSupportRequest(r.Context(), requestID, s.now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type announcementReport struct {
	Sent     int                   `json:"sent"`
	Failed   int                   `json:"failed"`
	Failures []announcementFailure `json:"failures,omitempty"`
}

type announcementFailure struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// handleAdminAnnouncements broadcasts to every donor with a verified email.
// Per-recipient failures are reported; the batch continues past them.
func (s *Server) handleAdminAnnouncements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		writeError(w, apperrors.New(apperrors.CodeAdapterNotConfigured, "mail adapter is not configured"))
		return
	}

	var req struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	subject := strings.TrimSpace(req.Subject)
	body := strings.TrimSpace(req.Body)
	if subject == "" || body == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "subject and body are required"))
		return
	}

	donors, err := s.store.ListDonors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	recipients := make([]mail.Recipient, 0, len(donors))
	for _, d := range donors {
		if d.EmailVerified() {
			recipients = append(recipients, mail.Recipient{Email: d.Email, Name: d.Name})
		}
	}

	report := announcementReport{}
	for _, result := range s.mailer.SendAnnouncement(r.Context(), subject, body, recipients) {
		if result.Err != nil {
			report.Failed++
			report.Failures = append(report.Failures, announcementFailure{Email: result.To, Error: result.Err.Error()})
			continue
		}
		report.Sent++
	}
	writeJSON(w, http.StatusOK, report)
}

type shareLinkIssueView struct {
	ProspectID int64         `json:"prospect_id"`
	ShareLink  shareLinkView `json:"share_link"`
}

// handleAdminShareLinks mints a registration link for an outside recipient:
// a prospect row (claimed by email when one exists) plus its funnel link.
func (s *Server) handleAdminShareLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.admin.requireMutation(r); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	email := donor.NormalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	now := s.now().UTC()

	var prospect donor.Prospect
	if email != "" {
		if _, err := s.store.GetDonorByEmail(ctx, email); err == nil {
			writeError(w, apperrors.New(apperrors.CodeConflictingOwner, "a donor already uses this email"))
			return
		} else if !apperrors.HasCode(err, apperrors.CodeNotFound) {
			writeError(w, err)
			return
		}
		existing, err := s.store.GetProspectByEmail(ctx, email)
		switch {
		case err == nil:
			prospect = existing
		case apperrors.HasCode(err, apperrors.CodeNotFound):
			prospect, err = s.store.CreateProspect(ctx, donor.Prospect{
				Email:     email,
				Name:      name,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				writeError(w, err)
				return
			}
		default:
			writeError(w, err)
			return
		}
	} else {
		created, err := s.store.CreateProspect(ctx, donor.Prospect{
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		prospect = created
	}

	if link, err := s.store.GetShareLinkByProspect(ctx, prospect.ID); err == nil && link.Usable(now) == nil {
		writeJSON(w, http.StatusOK, shareLinkIssueView{ProspectID: prospect.ID, ShareLink: s.newShareLinkView(link)})
		return
	} else if err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound) {
		writeError(w, err)
		return
	}

	fresh, err := sharelink.Create(sharelink.CreateInput{ProspectID: prospect.ID}, s.now, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.store.CreateOrUpdateShareLink(ctx, fresh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, shareLinkIssueView{ProspectID: prospect.ID, ShareLink: s.newShareLinkView(stored)})
}
