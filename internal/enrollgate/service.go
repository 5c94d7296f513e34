package enrollgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

type ServiceOptions struct {
	Counter   CounterStore
	Directory DirectoryClient
	Validator *AttributeValidator
	Events    *EventHub
	Logger    *log.Logger

	// MinTrustLevel is the eligibility floor for every workflow
	// variant; zero selects the default of 3.
	MinTrustLevel int
	// EmailDomain is the managed directory domain appended to bare
	// portal usernames.
	EmailDomain string
	// SecondaryPrefix names companion accounts; zero value "kst_".
	SecondaryPrefix string
	// SecondaryOrgUnit optionally places companion accounts in a
	// dedicated organizational unit.
	SecondaryOrgUnit string
	// CredentialBytes sizes generated credentials; zero selects 12.
	CredentialBytes int
}

// Service drives the provisioning and deprovisioning workflows. It
// holds no mutable state of its own: all shared state lives in the
// counter store, and concurrency safety comes from the store's atomic
// update operations, never from locks held across I/O.
type Service struct {
	counter          CounterStore
	directory        DirectoryClient
	validator        *AttributeValidator
	events           *EventHub
	logger           *log.Logger
	minTrustLevel    int
	emailDomain      string
	secondaryPrefix  string
	secondaryOrgUnit string
	credentialBytes  int
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Counter == nil || opts.Directory == nil {
		return nil, ErrInvalidInput
	}
	domain := strings.TrimPrefix(strings.TrimSpace(opts.EmailDomain), "@")
	if domain == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	minTrust := opts.MinTrustLevel
	if minTrust <= 0 {
		minTrust = 3
	}
	prefix := opts.SecondaryPrefix
	if prefix == "" {
		prefix = "kst_"
	}
	credentialBytes := opts.CredentialBytes
	if credentialBytes <= 0 {
		credentialBytes = 12
	}
	return &Service{
		counter:          opts.Counter,
		directory:        opts.Directory,
		validator:        opts.Validator,
		events:           opts.Events,
		logger:           logger,
		minTrustLevel:    minTrust,
		emailDomain:      domain,
		secondaryPrefix:  prefix,
		secondaryOrgUnit: strings.TrimSpace(opts.SecondaryOrgUnit),
		credentialBytes:  credentialBytes,
	}, nil
}

// PrimaryIdentity resolves a portal username to its directory identity.
func (s *Service) PrimaryIdentity(username string) string {
	return CanonicalIdentity(username, s.emailDomain)
}

// SecondaryIdentityFor resolves a portal username to its fixed
// companion-account identity.
func (s *Service) SecondaryIdentityFor(username string) string {
	return SecondaryIdentity(username, s.secondaryPrefix, s.emailDomain)
}

// EmailDomain returns the managed directory domain.
func (s *Service) EmailDomain() string {
	return s.emailDomain
}

type ProvisionRequest struct {
	Username      string
	TrustLevel    int
	Attributes    RegistrationAttributes
	CorrelationID string
}

type ProvisionResult struct {
	Identity string `json:"identity"`
	// GeneratedCredential is set only when the service generated the
	// credential itself; it is delivered exactly once and never
	// stored.
	GeneratedCredential string `json:"generatedCredential,omitempty"`
	// CounterDesync reports that the account exists in the directory
	// but the local bookkeeping commit failed; the provisioning itself
	// still succeeded from the caller's perspective.
	CounterDesync bool `json:"counterDesync,omitempty"`
}

// Provision runs the admission-gated workflow: eligibility,
// duplicate-check, quota gate, external create, counter commit.
// Terminal policy outcomes surface as sentinel errors; the
// counter-desync partial failure is reported on a successful result
// because the user-visible resource exists either way.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return ProvisionResult{}, ErrInvalidInput
	}
	if req.TrustLevel < s.minTrustLevel {
		s.publishRejected("", "insufficient_trust", req.CorrelationID)
		return ProvisionResult{}, ErrInsufficientTrust
	}
	if s.validator != nil {
		if err := s.validator.Validate(req.Attributes); err != nil {
			return ProvisionResult{}, err
		}
	}
	identity := s.PrimaryIdentity(username)

	// Duplicate check is best-effort: the directory may lag its own
	// writes, so the create call's conflict response stays
	// authoritative.
	existing, err := s.directory.GetUser(ctx, identity)
	switch {
	case err == nil && existing != nil:
		s.publishRejected(identity, "already_registered", req.CorrelationID)
		return ProvisionResult{}, ErrAlreadyExists
	case errors.Is(err, ErrDirectoryNotFound):
	case err != nil:
		return ProvisionResult{}, fmt.Errorf("%w: duplicate check: %v", ErrDirectoryUnavailable, err)
	}

	snapshot, err := s.counter.ReadCountAndLimit(ctx)
	if err != nil {
		// Fail safe: an unreachable store closes admissions rather
		// than assuming room remains.
		return ProvisionResult{}, err
	}
	if !AdmitNewAccount(snapshot.Count, snapshot.Limit) {
		s.logger.Printf("provision %s rejected: quota exhausted (%d/%d)", identity, snapshot.Count, snapshot.Limit)
		s.publishRejected(identity, "quota_exceeded", req.CorrelationID)
		return ProvisionResult{}, ErrQuotaExceeded
	}

	givenName, familyName := SplitFullName(req.Attributes.FullName)
	result := ProvisionResult{Identity: identity}
	password := req.Attributes.Password
	if password == "" {
		password, err = GenerateCredential(s.credentialBytes)
		if err != nil {
			return ProvisionResult{}, err
		}
		result.GeneratedCredential = password
	}

	_, err = s.directory.CreateUser(ctx, NewDirectoryUser{
		PrimaryEmail:  identity,
		GivenName:     givenName,
		FamilyName:    familyName,
		Password:      password,
		RecoveryEmail: req.Attributes.PersonalEmail,
	})
	if err != nil {
		if errors.Is(err, ErrDirectoryConflict) {
			// Lost the create race for this identity; degrade to the
			// idempotent already-exists outcome.
			s.publishRejected(identity, "already_registered", req.CorrelationID)
			return ProvisionResult{}, ErrAlreadyExists
		}
		return ProvisionResult{}, fmt.Errorf("%w: %v", ErrExternalCreateFailed, err)
	}

	if err := s.counter.Increment(ctx); err != nil {
		// The directory account is live; rolling it back is riskier
		// than a bookkeeping drift, so report the desync loudly and
		// let the already-exists path plus the audit self-heal it.
		s.logger.Printf("SEVERE counter desync: account %s created but counter increment failed: %v", identity, err)
		s.publish(Event{
			Type:          EventCounterDesync,
			Identity:      identity,
			Reason:        "increment_failed",
			Detail:        err.Error(),
			CorrelationID: req.CorrelationID,
		})
		result.CounterDesync = true
		return result, nil
	}

	s.publish(Event{
		Type:          EventProvisioned,
		Identity:      identity,
		Count:         snapshot.Count + 1,
		Limit:         snapshot.Limit,
		CorrelationID: req.CorrelationID,
	})
	return result, nil
}

type SecondaryProvisionRequest struct {
	Username      string
	TrustLevel    int
	CorrelationID string
}

// ProvisionSecondary creates the archived companion account for a
// portal user. Companion accounts never consume registration quota, so
// the workflow skips the quota gate and the counter commit.
func (s *Service) ProvisionSecondary(ctx context.Context, req SecondaryProvisionRequest) (ProvisionResult, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return ProvisionResult{}, ErrInvalidInput
	}
	if req.TrustLevel < s.minTrustLevel {
		s.publishRejected("", "insufficient_trust", req.CorrelationID)
		return ProvisionResult{}, ErrInsufficientTrust
	}
	identity := s.SecondaryIdentityFor(username)

	existing, err := s.directory.GetUser(ctx, identity)
	switch {
	case err == nil && existing != nil:
		s.publishRejected(identity, "already_registered", req.CorrelationID)
		return ProvisionResult{}, ErrAlreadyExists
	case errors.Is(err, ErrDirectoryNotFound):
	case err != nil:
		return ProvisionResult{}, fmt.Errorf("%w: duplicate check: %v", ErrDirectoryUnavailable, err)
	}

	credential, err := GenerateCredential(s.credentialBytes)
	if err != nil {
		return ProvisionResult{}, err
	}
	local := username
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	_, err = s.directory.CreateUser(ctx, NewDirectoryUser{
		PrimaryEmail:              identity,
		GivenName:                 local,
		FamilyName:                "(companion)",
		Password:                  credential,
		OrgUnitPath:               s.secondaryOrgUnit,
		Archived:                  true,
		ChangePasswordAtNextLogin: true,
	})
	if err != nil {
		if errors.Is(err, ErrDirectoryConflict) {
			s.publishRejected(identity, "already_registered", req.CorrelationID)
			return ProvisionResult{}, ErrAlreadyExists
		}
		return ProvisionResult{}, fmt.Errorf("%w: %v", ErrExternalCreateFailed, err)
	}

	s.publish(Event{
		Type:          EventProvisioned,
		Identity:      identity,
		Reason:        "secondary",
		CorrelationID: req.CorrelationID,
	})
	return ProvisionResult{Identity: identity, GeneratedCredential: credential}, nil
}

type DeprovisionRequest struct {
	// Identity is the directory identity to remove.
	Identity string
	// CallerPrimaryIdentity is the caller's own login identity, used
	// by the primary-account guard.
	CallerPrimaryIdentity string
	// TrustLevel is the caller's portal trust level; the same
	// eligibility floor as provisioning applies before any side effect.
	TrustLevel int
	// Secondary scopes the request to companion-account deletion: the
	// guard applies and the counter is left untouched.
	Secondary     bool
	CorrelationID string
}

type DeprovisionResult struct {
	Identity string `json:"identity"`
	// AlreadyAbsent reports that the directory had no record; the
	// desired end state already held.
	AlreadyAbsent bool `json:"alreadyAbsent,omitempty"`
	CounterDesync bool `json:"counterDesync,omitempty"`
}

// Deprovision removes a directory account and reconciles the counter.
// The external delete always runs first; the decrement happens only
// once the deletion is confirmed, with NotFound counted as
// confirmation. A decrement failure is reported as success with a
// logged desync: under-counting can only make the gate conservative,
// never overstate capacity.
func (s *Service) Deprovision(ctx context.Context, req DeprovisionRequest) (DeprovisionResult, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return DeprovisionResult{}, ErrInvalidInput
	}
	if req.TrustLevel < s.minTrustLevel {
		s.publishRejected(identity, "insufficient_trust", req.CorrelationID)
		return DeprovisionResult{}, ErrInsufficientTrust
	}
	if req.Secondary && IdentityEqual(identity, req.CallerPrimaryIdentity) {
		return DeprovisionResult{}, ErrPrimaryAccountGuard
	}

	result := DeprovisionResult{Identity: identity}
	err := s.directory.DeleteUser(ctx, identity)
	switch {
	case err == nil:
	case errors.Is(err, ErrDirectoryNotFound):
		result.AlreadyAbsent = true
	default:
		return DeprovisionResult{}, fmt.Errorf("%w: %v", ErrExternalDeleteFailed, err)
	}

	if !req.Secondary {
		if err := s.counter.Decrement(ctx); err != nil {
			s.logger.Printf("SEVERE counter desync: account %s deleted but counter decrement failed: %v", identity, err)
			s.publish(Event{
				Type:          EventCounterDesync,
				Identity:      identity,
				Reason:        "decrement_failed",
				Detail:        err.Error(),
				CorrelationID: req.CorrelationID,
			})
			result.CounterDesync = true
		}
	}

	s.publish(Event{
		Type:          EventDeprovisioned,
		Identity:      identity,
		CorrelationID: req.CorrelationID,
	})
	return result, nil
}

// SetLimit replaces the admission limit, last writer wins. Lowering it
// below the current count never removes existing accounts; it only
// closes new admissions.
func (s *Service) SetLimit(ctx context.Context, newLimit int) (CounterSnapshot, error) {
	if newLimit < 0 {
		return CounterSnapshot{}, ErrInvalidInput
	}
	if err := s.counter.UpdateLimit(ctx, newLimit); err != nil {
		return CounterSnapshot{}, err
	}
	snapshot, err := s.counter.ReadCountAndLimit(ctx)
	if err != nil {
		return CounterSnapshot{}, err
	}
	s.publish(Event{
		Type:  EventLimitChanged,
		Count: snapshot.Count,
		Limit: snapshot.Limit,
	})
	return snapshot, nil
}

// CounterStatus returns a fresh counter snapshot.
func (s *Service) CounterStatus(ctx context.Context) (CounterSnapshot, error) {
	return s.counter.ReadCountAndLimit(ctx)
}

// Aliases lists the aliases attached to the caller's account.
func (s *Service) Aliases(ctx context.Context, username string, trustLevel int) ([]string, error) {
	identity, err := s.requireIdentity(username, trustLevel)
	if err != nil {
		return nil, err
	}
	aliases, err := s.directory.ListAliases(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrDirectoryNotFound) {
			return nil, ErrDirectoryNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return aliases, nil
}

// AddAlias attaches an alias to the caller's account. A bare local
// part gets the managed domain appended.
func (s *Service) AddAlias(ctx context.Context, username string, trustLevel int, alias string) (string, error) {
	identity, err := s.requireIdentity(username, trustLevel)
	if err != nil {
		return "", err
	}
	alias = CanonicalIdentity(alias, s.emailDomain)
	if alias == "" {
		return "", ErrInvalidInput
	}
	if IdentityEqual(alias, identity) {
		return "", ErrInvalidInput
	}
	if err := s.directory.AddAlias(ctx, identity, alias); err != nil {
		switch {
		case errors.Is(err, ErrDirectoryConflict):
			return "", ErrAlreadyExists
		case errors.Is(err, ErrDirectoryNotFound):
			return "", ErrDirectoryNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return alias, nil
}

// DeleteAlias removes an alias from the caller's account. An absent
// alias is success: the desired end state already holds.
func (s *Service) DeleteAlias(ctx context.Context, username string, trustLevel int, alias string) error {
	identity, err := s.requireIdentity(username, trustLevel)
	if err != nil {
		return err
	}
	alias = CanonicalIdentity(alias, s.emailDomain)
	if alias == "" {
		return ErrInvalidInput
	}
	if err := s.directory.DeleteAlias(ctx, identity, alias); err != nil {
		if errors.Is(err, ErrDirectoryNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return nil
}

func (s *Service) requireIdentity(username string, trustLevel int) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ErrInvalidInput
	}
	if trustLevel < s.minTrustLevel {
		return "", ErrInsufficientTrust
	}
	return s.PrimaryIdentity(username), nil
}

func (s *Service) publish(event Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Service) publishRejected(identity, reason, correlationID string) {
	s.publish(Event{
		Type:          EventRejected,
		Identity:      identity,
		Reason:        reason,
		CorrelationID: correlationID,
	})
}
