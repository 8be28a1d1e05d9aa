package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/codestore"
	"github.com/zonegate/zonegate/internal/models"
	"github.com/zonegate/zonegate/pkg/crypto"
	"github.com/zonegate/zonegate/pkg/logger"
	"github.com/zonegate/zonegate/pkg/mail"
	"github.com/zonegate/zonegate/pkg/metrics"
	"github.com/zonegate/zonegate/pkg/validator"
)

const (
	defaultInvitationExpiry = 72 * time.Hour

	// Lifetime of the completion code minted when an invitation is accepted.
	// It only needs to outlive the password form in front of the user.
	defaultCompletionExpiry = 10 * time.Minute
)

// Payload keys carried inside an invitation code. The acceptance flow reads
// them back to finish account setup.
const (
	payloadUserID      = "user_id"
	payloadEmail       = "email"
	payloadOrigin      = "origin"
	payloadClientID    = "client_id"
	payloadRedirectURI = "redirect_uri"
)

// Per-recipient error codes reported in failed outcomes.
const (
	ErrorCodeEmailInvalid     = "email.invalid"
	ErrorCodeDomainNotAllowed = "email.domain.not.allowed"
	ErrorCodeUserAmbiguous    = "user.ambiguous"
	ErrorCodeCodeGeneration   = "code.generation.exhausted"
)

// ErrInvitationInvalid covers every redemption-time failure of an invitation
// code. The boundary layer renders it as one generic message so callers
// probing codes cannot distinguish absent, expired and already-used codes.
var ErrInvitationInvalid = errors.New("invitation: invalid or expired code")

// InvitationOption customises InvitationService behaviour.
type InvitationOption func(*InvitationService)

// WithInvitationExpiry overrides the invitation code lifetime.
func WithInvitationExpiry(d time.Duration) InvitationOption {
	return func(s *InvitationService) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithCompletionExpiry overrides the completion code lifetime.
func WithCompletionExpiry(d time.Duration) InvitationOption {
	return func(s *InvitationService) {
		if d > 0 {
			s.completionExpiry = d
		}
	}
}

// WithInvitationClock injects a custom clock primarily for testing.
func WithInvitationClock(clock func() time.Time) InvitationOption {
	return func(s *InvitationService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithMailer enables outbound invitation email delivery.
func WithMailer(mailer mail.Mailer) InvitationOption {
	return func(s *InvitationService) {
		s.mailer = mailer
	}
}

// WithParallelism processes batch recipients with up to n concurrent workers.
// Outcome ordering always matches input ordering regardless of n.
func WithParallelism(n int) InvitationOption {
	return func(s *InvitationService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// InvitationService orchestrates the invitation pipeline: validate each
// recipient, resolve it against the user directory, mint an expiring code and
// hand back a tenant-correct acceptance link.
type InvitationService struct {
	store            codestore.Store
	directory        Directory
	zones            *ZoneService
	mailer           mail.Mailer
	expiry           time.Duration
	completionExpiry time.Duration
	parallelism      int
	now              func() time.Time
	log              *zap.Logger
}

// NewInvitationService constructs an InvitationService with the provided collaborators.
func NewInvitationService(store codestore.Store, directory Directory, zones *ZoneService, opts ...InvitationOption) (*InvitationService, error) {
	if store == nil {
		return nil, errors.New("invitation service: code store is required")
	}
	if directory == nil {
		return nil, errors.New("invitation service: directory is required")
	}
	if zones == nil {
		return nil, errors.New("invitation service: zone service is required")
	}

	service := &InvitationService{
		store:            store,
		directory:        directory,
		zones:            zones,
		expiry:           defaultInvitationExpiry,
		completionExpiry: defaultCompletionExpiry,
		parallelism:      1,
		now:              time.Now,
		log:              logger.WithModule("invitations"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// InviteRequest carries one invitation batch.
type InviteRequest struct {
	ZoneID      string
	ClientID    string
	RedirectURI string
	Emails      []string
}

// InvitationOutcome is the per-recipient result. Exactly one of InviteLink
// and ErrorCode is populated.
type InvitationOutcome struct {
	Email        string `json:"email"`
	UserID       string `json:"user_id,omitempty"`
	Origin       string `json:"origin,omitempty"`
	InviteLink   string `json:"invite_link,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (o InvitationOutcome) failed() bool {
	return o.ErrorCode != ""
}

// InvitationResult aggregates a batch. Both lists preserve the relative input
// order of their recipients; a partially failed batch is the normal case, not
// an error.
type InvitationResult struct {
	NewInvites    []InvitationOutcome `json:"new_invites"`
	FailedInvites []InvitationOutcome `json:"failed_invites"`
}

// AcceptancePayload is returned when an invitation code is redeemed.
type AcceptancePayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Origin      string `json:"origin"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
}

// Acceptance couples the redeemed payload with the short-lived completion
// code that authorises the account-setup step. Possessing the completion code
// is the only way to set the invited account's password.
type Acceptance struct {
	AcceptancePayload
	CompletionCode string `json:"completion_code"`
}

// Invite processes every address in the batch. Per-recipient problems are
// recorded as failed outcomes and never abort the batch; infrastructure
// failures (store or directory unavailable) abort the whole call.
func (s *InvitationService) Invite(ctx context.Context, req InviteRequest) (*InvitationResult, error) {
	zone, err := s.zones.Get(ctx, req.ZoneID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]InvitationOutcome, len(req.Emails))
	fatals := make([]error, len(req.Emails))

	process := func(i int) {
		outcomes[i], fatals[i] = s.processRecipient(ctx, zone, req, req.Emails[i])
	}

	if s.parallelism <= 1 || len(req.Emails) <= 1 {
		for i := range req.Emails {
			process(i)
		}
	} else {
		// Workers write into the pre-sized slice by index, so the result
		// order never depends on scheduling.
		indexes := make(chan int)
		var wg sync.WaitGroup
		workers := s.parallelism
		if workers > len(req.Emails) {
			workers = len(req.Emails)
		}
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range indexes {
					process(i)
				}
			}()
		}
		for i := range req.Emails {
			indexes <- i
		}
		close(indexes)
		wg.Wait()
	}

	if err := multierr.Combine(fatals...); err != nil {
		return nil, err
	}

	result := &InvitationResult{
		NewInvites:    []InvitationOutcome{},
		FailedInvites: []InvitationOutcome{},
	}
	for _, outcome := range outcomes {
		if outcome.failed() {
			metrics.InvitationOutcomes.WithLabelValues(outcome.ErrorCode).Inc()
			result.FailedInvites = append(result.FailedInvites, outcome)
		} else {
			metrics.InvitationOutcomes.WithLabelValues("sent").Inc()
			result.NewInvites = append(result.NewInvites, outcome)
		}
	}

	return result, nil
}

// processRecipient runs the pipeline for one address. The second return value
// is non-nil only for infrastructure failures that must abort the batch.
func (s *InvitationService) processRecipient(ctx context.Context, zone *models.Zone, req InviteRequest, email string) (InvitationOutcome, error) {
	email = strings.TrimSpace(email)
	outcome := InvitationOutcome{Email: email}

	if !validator.IsEmail(email) {
		outcome.ErrorCode = ErrorCodeEmailInvalid
		outcome.ErrorMessage = fmt.Sprintf("%s is invalid email.", email)
		return outcome, nil
	}

	if domain := emailDomain(email); !zone.IsDomainAllowed(domain) {
		outcome.ErrorCode = ErrorCodeDomainNotAllowed
		outcome.ErrorMessage = fmt.Sprintf("The domain %s is not allowed in this zone.", domain)
		return outcome, nil
	}

	matches, err := s.directory.FindByEmail(ctx, email, zone.ID)
	if err != nil {
		return outcome, err
	}

	var user *models.User
	switch len(matches) {
	case 0:
		created, err := s.directory.CreatePending(ctx, email, zone.ID)
		if err != nil {
			return outcome, err
		}
		user = created
	case 1:
		user = &matches[0]
	default:
		// Distinct origins sharing the address: there is no single account
		// the invitation could bind to.
		outcome.ErrorCode = ErrorCodeUserAmbiguous
		outcome.ErrorMessage = fmt.Sprintf("Multiple accounts with email %s exist.", email)
		return outcome, nil
	}

	data := codestore.CodeData{
		payloadUserID:      user.ID,
		payloadEmail:       email,
		payloadOrigin:      user.Origin,
		payloadClientID:    req.ClientID,
		payloadRedirectURI: req.RedirectURI,
	}

	code, err := s.store.Generate(ctx, zone.ID, codestore.IntentInvitation, data, s.now().Add(s.expiry))
	if err != nil {
		if errors.Is(err, codestore.ErrGenerationExhausted) {
			// Should effectively never happen with 256-bit codes.
			s.log.Error("code generation exhausted",
				zap.String("zone_id", zone.ID),
				zap.String("email", email),
			)
			outcome.ErrorCode = ErrorCodeCodeGeneration
			outcome.ErrorMessage = fmt.Sprintf("Could not generate an invitation code for %s.", email)
			return outcome, nil
		}
		return outcome, err
	}

	outcome.UserID = user.ID
	outcome.Origin = user.Origin
	outcome.InviteLink = s.zones.AcceptLinkFor(zone, code.Code)

	s.deliver(ctx, zone, email, outcome.InviteLink)

	return outcome, nil
}

// deliver sends the invitation email when a mailer is configured. Delivery
// problems do not fail the invitation: the link is still returned to the
// caller, who can distribute it by other means.
func (s *InvitationService) deliver(ctx context.Context, zone *models.Zone, email, link string) {
	if s.mailer == nil {
		return
	}

	company := zone.CompanyName
	if company == "" {
		company = zone.Name
	}

	msg := mail.InvitationMessage(email, company, link)
	if err := s.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		s.log.Warn("invitation email delivery failed",
			zap.String("email", email),
			zap.Error(err),
		)
	}
}

// Accept redeems an invitation code. The invitation code is consumed and a
// fresh, short-lived completion code is minted in its place carrying the same
// payload under a different intent, so neither code can stand in for the
// other. All store-side failures collapse into ErrInvitationInvalid.
func (s *InvitationService) Accept(ctx context.Context, code, zoneID string) (*Acceptance, error) {
	redeemed, err := s.store.Redeem(ctx, code, zoneID, codestore.IntentInvitation)
	if err != nil {
		return nil, collapseRedemptionError(err)
	}

	completion, err := s.store.Generate(ctx, zoneID, codestore.IntentRegistration, redeemed.Data, s.now().Add(s.completionExpiry))
	if err != nil {
		return nil, fmt.Errorf("invitation service: issue completion code: %w", err)
	}

	return &Acceptance{
		AcceptancePayload: AcceptancePayload{
			UserID:      redeemed.Data[payloadUserID],
			Email:       redeemed.Data[payloadEmail],
			Origin:      redeemed.Data[payloadOrigin],
			ClientID:    redeemed.Data[payloadClientID],
			RedirectURI: redeemed.Data[payloadRedirectURI],
		},
		CompletionCode: completion.Code,
	}, nil
}

// CompleteAccount finishes setup for an accepted invitation: the completion
// code minted by Accept is redeemed, then the pending account it names
// receives its password and becomes verified. The user identity comes from
// the code payload, never from the caller.
func (s *InvitationService) CompleteAccount(ctx context.Context, completionCode, zoneID, password string) (*models.User, error) {
	if completionCode == "" {
		return nil, ErrInvitationInvalid
	}
	if password == "" {
		return nil, errors.New("invitation service: password is required")
	}

	redeemed, err := s.store.Redeem(ctx, completionCode, zoneID, codestore.IntentRegistration)
	if err != nil {
		return nil, collapseRedemptionError(err)
	}

	userID := redeemed.Data[payloadUserID]
	if userID == "" {
		return nil, ErrInvitationInvalid
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("invitation service: hash password: %w", err)
	}

	return s.directory.Activate(ctx, userID, zoneID, hash)
}

func collapseRedemptionError(err error) error {
	switch {
	case errors.Is(err, codestore.ErrCodeNotFound),
		errors.Is(err, codestore.ErrCodeExpired),
		errors.Is(err, codestore.ErrIntentMismatch):
		return ErrInvitationInvalid
	default:
		return err
	}
}

func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}
