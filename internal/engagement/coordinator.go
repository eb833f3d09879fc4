package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrValidation indicates a rejected input or an illegal lifecycle move.
	ErrValidation = errors.New("engagement: validation failed")
	// ErrNotFound indicates the referenced engagement or pair is absent.
	ErrNotFound = errors.New("engagement: not found")
	// ErrNotAllowed indicates the actor is not permitted to perform the operation.
	ErrNotAllowed = errors.New("engagement: not allowed")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("provider directory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps coordinator failures with a stable machine-readable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opCoordinatorNew  = "engagement.coordinator.new"
	opCreate          = "engagement.create"
	opAccept          = "engagement.accept"
	opDecline         = "engagement.decline"
	opReschedule      = "engagement.reschedule"
	opCancel          = "engagement.cancel"
	opComplete        = "engagement.complete"
	opSetMeetingLink  = "engagement.set_meeting_link"
	opLookupPair      = "engagement.lookup_pair"
	opListPairs       = "engagement.list_pairs"
	opListEngagements = "engagement.list_engagements"
	opRebuildPair     = "engagement.rebuild_pair"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new ledger entries.
type IDProvider interface {
	NewID() (string, error)
}

// ProviderDirectory answers whether an id resolves to a vetted provider.
type ProviderDirectory interface {
	ApprovedProvider(ctx context.Context, providerID string) (bool, error)
}

// CoordinatorConfig describes the dependencies of the session coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Providers  ProviderDirectory
	Logger     *zap.Logger
}

// Coordinator owns every mutation that touches the engagement ledger and the
// pair projection. Each operation wraps its ledger and pair writes in a
// single transaction so readers never observe one without the other.
type Coordinator struct {
	db        *gorm.DB
	clock     func() time.Time
	ids       IDProvider
	providers ProviderDirectory
	logger    *zap.Logger
}

// NewCoordinator constructs the session coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Providers == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_provider_directory", errMissingDirectory)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		db:        cfg.Database,
		clock:     clock,
		ids:       cfg.IDProvider,
		providers: cfg.Providers,
		logger:    logger,
	}, nil
}

// CreateParams carries a new booking request from a requester.
type CreateParams struct {
	RequesterID   string
	ProviderID    string
	Topic         string
	Location      string
	ScheduledTime *time.Time
}

// Create appends a requested ledger entry and merges the pair projection.
// An accepted pair is never downgraded by a repeat request against the same
// provider; requesters engaged elsewhere may still file requests (browsing
// while engaged is deliberate policy), acceptance is where the exclusivity
// check happens.
func (c *Coordinator) Create(ctx context.Context, params CreateParams) (Record, Pair, error) {
	if params.RequesterID == "" || params.ProviderID == "" {
		return Record{}, Pair{}, newServiceError(opCreate, "missing_party",
			fmt.Errorf("%w: requester and provider ids are required", ErrValidation))
	}

	approved, err := c.providers.ApprovedProvider(ctx, params.ProviderID)
	if err != nil {
		c.logError(opCreate, "directory_lookup_failed", err, zap.String("provider_id", params.ProviderID))
		return Record{}, Pair{}, newServiceError(opCreate, "directory_lookup_failed", err)
	}
	if !approved {
		return Record{}, Pair{}, newServiceError(opCreate, "provider_not_approved",
			fmt.Errorf("%w: %s is not an approved provider", ErrValidation, params.ProviderID))
	}

	recordID, err := c.ids.NewID()
	if err != nil {
		return Record{}, Pair{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := c.clock().UTC()
	record := Record{
		ID:            recordID,
		RequesterID:   params.RequesterID,
		ProviderID:    params.ProviderID,
		Status:        StatusRequested,
		Topic:         params.Topic,
		Location:      params.Location,
		ScheduledTime: params.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var pair Pair
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opCreate, "ledger_insert_failed", err)
		}

		updates := map[string]interface{}{
			"topic":      params.Topic,
			"location":   params.Location,
			"updated_at": now,
		}
		if params.ScheduledTime != nil {
			updates["scheduled_time"] = *params.ScheduledTime
		}
		merged, err := c.mergePair(tx, record.PairKey(), record.ProviderID, record.RequesterID, StatusRequested, updates, now)
		if err != nil {
			return newServiceError(opCreate, "pair_merge_failed", err)
		}
		pair = merged
		return nil
	})
	if txErr != nil {
		c.logError(opCreate, "transaction_failed", txErr,
			zap.String("requester_id", params.RequesterID),
			zap.String("provider_id", params.ProviderID))
		return Record{}, Pair{}, txErr
	}

	return record, pair, nil
}

// Accept marks the engagement accepted and promotes the pair projection.
// Re-accepting an already-accepted record only refreshes its timestamp.
// Accepting fails when the requester already holds an accepted pair with a
// different provider; completing that pair is the only unlock.
func (c *Coordinator) Accept(ctx context.Context, actorID, engagementID string) (Record, Pair, error) {
	return c.transition(ctx, opAccept, actorID, engagementID, StatusAccepted)
}

// Decline marks the engagement declined. The pair projection is re-derived
// from the full ledger so an accepted pair from a sibling engagement is
// never downgraded.
func (c *Coordinator) Decline(ctx context.Context, actorID, engagementID string) (Record, Pair, error) {
	return c.transition(ctx, opDecline, actorID, engagementID, StatusDeclined)
}

func (c *Coordinator) transition(ctx context.Context, operation, actorID, engagementID string, target Status) (Record, Pair, error) {
	now := c.clock().UTC()

	var record Record
	var pair Pair
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", engagementID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "engagement_missing",
				fmt.Errorf("%w: engagement %s", ErrNotFound, engagementID))
		}
		if err != nil {
			return newServiceError(operation, "engagement_select_failed", err)
		}

		if actorID != record.ProviderID {
			return newServiceError(operation, "actor_not_provider",
				fmt.Errorf("%w: only the provider may %s", ErrNotAllowed, target))
		}

		if record.Status == target {
			// Idempotent re-invocation: refresh the timestamp only.
			if err := tx.Model(&Record{}).Where("id = ?", record.ID).
				Update("updated_at", now).Error; err != nil {
				return newServiceError(operation, "timestamp_refresh_failed", err)
			}
			record.UpdatedAt = now
			current, err := c.loadPair(tx, record.PairKey())
			if err == nil {
				pair = current
			}
			return nil
		}

		if !CanTransition(record.Status, target) {
			return newServiceError(operation, "illegal_transition",
				fmt.Errorf("%w: %s -> %s", ErrValidation, record.Status, target))
		}

		if target == StatusAccepted {
			var engaged int64
			err := tx.Model(&Pair{}).
				Where("requester_id = ? AND status = ? AND provider_id <> ?",
					record.RequesterID, StatusAccepted, record.ProviderID).
				Count(&engaged).Error
			if err != nil {
				return newServiceError(operation, "engagement_check_failed", err)
			}
			if engaged > 0 {
				return newServiceError(operation, "requester_already_engaged",
					fmt.Errorf("%w: requester %s already holds an active engagement", ErrValidation, record.RequesterID))
			}
		}

		if err := tx.Model(&Record{}).Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				"status":     target,
				"updated_at": now,
			}).Error; err != nil {
			return newServiceError(operation, "ledger_update_failed", err)
		}
		record.Status = target
		record.UpdatedAt = now

		if target == StatusAccepted {
			merged, err := c.mergePair(tx, record.PairKey(), record.ProviderID, record.RequesterID,
				StatusAccepted, map[string]interface{}{"updated_at": now}, now)
			if err != nil {
				return newServiceError(operation, "pair_merge_failed", err)
			}
			pair = merged
			return nil
		}

		// Declines re-derive the projection so sibling accepted records keep
		// the pair accepted.
		rebuilt, err := c.rebuildPairLocked(tx, record.ProviderID, record.RequesterID)
		if err != nil {
			return newServiceError(operation, "pair_rebuild_failed", err)
		}
		pair = rebuilt
		return nil
	})
	if txErr != nil {
		c.logError(operation, "transaction_failed", txErr, zap.String("engagement_id", engagementID))
		return Record{}, Pair{}, txErr
	}

	return record, pair, nil
}

// Reschedule merges a new scheduled time onto the pair projection and every
// currently accepted ledger entry of the pair.
func (c *Coordinator) Reschedule(ctx context.Context, actorID, pairKey string, newTime time.Time) (Pair, error) {
	if newTime.IsZero() {
		return Pair{}, newServiceError(opReschedule, "missing_time",
			fmt.Errorf("%w: scheduled time is required", ErrValidation))
	}
	now := c.clock().UTC()
	return c.pairMutation(ctx, opReschedule, actorID, pairKey, anyParty, func(tx *gorm.DB, pair Pair) (Pair, error) {
		if err := tx.Model(&Record{}).
			Where("provider_id = ? AND requester_id = ? AND status = ?", pair.ProviderID, pair.RequesterID, StatusAccepted).
			Updates(map[string]interface{}{
				"scheduled_time": newTime.UTC(),
				"updated_at":     now,
			}).Error; err != nil {
			return Pair{}, newServiceError(opReschedule, "ledger_update_failed", err)
		}
		return c.mergePair(tx, pair.Key, pair.ProviderID, pair.RequesterID, pair.Status,
			map[string]interface{}{"scheduled_time": newTime.UTC(), "updated_at": now}, now)
	})
}

// Cancel transitions every currently accepted ledger entry of the pair to
// canceled and merges the pair status. Either party may cancel.
func (c *Coordinator) Cancel(ctx context.Context, actorID, pairKey string) (Pair, error) {
	now := c.clock().UTC()
	return c.pairMutation(ctx, opCancel, actorID, pairKey, anyParty, func(tx *gorm.DB, pair Pair) (Pair, error) {
		if err := tx.Model(&Record{}).
			Where("provider_id = ? AND requester_id = ? AND status = ?", pair.ProviderID, pair.RequesterID, StatusAccepted).
			Updates(map[string]interface{}{
				"status":     StatusCanceled,
				"updated_at": now,
			}).Error; err != nil {
			return Pair{}, newServiceError(opCancel, "ledger_update_failed", err)
		}
		return c.mergePairStatus(tx, pair, StatusCanceled, now)
	})
}

// Complete closes the engagement: every accepted ledger entry of the pair
// becomes completed and the pair projection follows. Provider-only, and the
// caller must pass explicit confirmation: this is the single action that
// frees the requester to engage a different provider.
func (c *Coordinator) Complete(ctx context.Context, actorID, pairKey string, confirmed bool) (Pair, error) {
	if !confirmed {
		return Pair{}, newServiceError(opComplete, "confirmation_required",
			fmt.Errorf("%w: completion requires explicit confirmation", ErrValidation))
	}
	now := c.clock().UTC()
	return c.pairMutation(ctx, opComplete, actorID, pairKey, providerOnly, func(tx *gorm.DB, pair Pair) (Pair, error) {
		if err := tx.Model(&Record{}).
			Where("provider_id = ? AND requester_id = ? AND status = ?", pair.ProviderID, pair.RequesterID, StatusAccepted).
			Updates(map[string]interface{}{
				"status":       StatusCompleted,
				"completed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return Pair{}, newServiceError(opComplete, "ledger_update_failed", err)
		}
		return c.mergePairStatus(tx, pair, StatusCompleted, now)
	})
}

// SetMeetingLink validates the link against the fixed external-meeting
// scheme before any write, then propagates it to the ledger entry and the
// pair projection.
func (c *Coordinator) SetMeetingLink(ctx context.Context, actorID, engagementID, url string) (Record, Pair, error) {
	if err := ValidateMeetingLink(url); err != nil {
		return Record{}, Pair{}, newServiceError(opSetMeetingLink, "invalid_link",
			fmt.Errorf("%w: %v", ErrValidation, err))
	}

	now := c.clock().UTC()
	var record Record
	var pair Pair
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", engagementID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSetMeetingLink, "engagement_missing",
				fmt.Errorf("%w: engagement %s", ErrNotFound, engagementID))
		}
		if err != nil {
			return newServiceError(opSetMeetingLink, "engagement_select_failed", err)
		}
		if actorID != record.ProviderID {
			return newServiceError(opSetMeetingLink, "actor_not_provider",
				fmt.Errorf("%w: only the provider may set the meeting link", ErrNotAllowed))
		}

		trimmed := normalizeLink(url)
		if err := tx.Model(&Record{}).Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				"meeting_link": trimmed,
				"updated_at":   now,
			}).Error; err != nil {
			return newServiceError(opSetMeetingLink, "ledger_update_failed", err)
		}
		record.MeetingLink = trimmed
		record.UpdatedAt = now

		merged, err := c.mergePair(tx, record.PairKey(), record.ProviderID, record.RequesterID, record.Status,
			map[string]interface{}{"meeting_link": trimmed, "updated_at": now}, now)
		if err != nil {
			return newServiceError(opSetMeetingLink, "pair_merge_failed", err)
		}
		pair = merged
		return nil
	})
	if txErr != nil {
		c.logError(opSetMeetingLink, "transaction_failed", txErr, zap.String("engagement_id", engagementID))
		return Record{}, Pair{}, txErr
	}
	return record, pair, nil
}

// Pair returns the stored projection for the key.
func (c *Coordinator) Pair(ctx context.Context, pairKey string) (Pair, error) {
	pair, err := c.loadPair(c.db.WithContext(ctx), pairKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pair{}, newServiceError(opLookupPair, "pair_missing",
			fmt.Errorf("%w: pair %s", ErrNotFound, pairKey))
	}
	if err != nil {
		return Pair{}, newServiceError(opLookupPair, "query_failed", err)
	}
	return pair, nil
}

// PairsFor lists every pair the user participates in, most recent first.
func (c *Coordinator) PairsFor(ctx context.Context, userID string) ([]Pair, error) {
	var pairs []Pair
	err := c.db.WithContext(ctx).
		Where("provider_id = ? OR requester_id = ?", userID, userID).
		Order("updated_at DESC").
		Find(&pairs).Error
	if err != nil {
		c.logError(opListPairs, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListPairs, "query_failed", err)
	}
	return pairs, nil
}

// EngagementsForPair returns the full ledger history of one pair, oldest first.
func (c *Coordinator) EngagementsForPair(ctx context.Context, pairKey string) ([]Record, error) {
	providerID, requesterID, err := ParsePairKey(pairKey)
	if err != nil {
		return nil, newServiceError(opListEngagements, "invalid_pair_key",
			fmt.Errorf("%w: %v", ErrValidation, err))
	}
	var records []Record
	if err := c.db.WithContext(ctx).
		Where("provider_id = ? AND requester_id = ?", providerID, requesterID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, newServiceError(opListEngagements, "query_failed", err)
	}
	return records, nil
}

// Rebuild re-derives the pair projection from the ledger and persists it.
// Used as the reconciliation path when a projection is missing or stale.
func (c *Coordinator) Rebuild(ctx context.Context, pairKey string) (Pair, error) {
	providerID, requesterID, err := ParsePairKey(pairKey)
	if err != nil {
		return Pair{}, newServiceError(opRebuildPair, "invalid_pair_key",
			fmt.Errorf("%w: %v", ErrValidation, err))
	}
	var pair Pair
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rebuilt, err := c.rebuildPairLocked(tx, providerID, requesterID)
		if err != nil {
			return err
		}
		pair = rebuilt
		return nil
	})
	if txErr != nil {
		return Pair{}, txErr
	}
	return pair, nil
}

type partyRule int

const (
	anyParty partyRule = iota
	providerOnly
)

func (c *Coordinator) pairMutation(ctx context.Context, operation, actorID, pairKey string, rule partyRule, mutate func(tx *gorm.DB, pair Pair) (Pair, error)) (Pair, error) {
	var result Pair
	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pair, err := c.loadPair(tx.Clauses(clause.Locking{Strength: "UPDATE"}), pairKey)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "pair_missing",
				fmt.Errorf("%w: pair %s", ErrNotFound, pairKey))
		}
		if err != nil {
			return newServiceError(operation, "pair_select_failed", err)
		}

		switch rule {
		case providerOnly:
			if actorID != pair.ProviderID {
				return newServiceError(operation, "actor_not_provider",
					fmt.Errorf("%w: only the provider may perform this operation", ErrNotAllowed))
			}
		default:
			if !pair.HasParty(actorID) {
				return newServiceError(operation, "actor_not_party",
					fmt.Errorf("%w: %s is not a party of %s", ErrNotAllowed, actorID, pairKey))
			}
		}

		mutated, err := mutate(tx, pair)
		if err != nil {
			return err
		}
		result = mutated
		return nil
	})
	if txErr != nil {
		c.logError(operation, "transaction_failed", txErr, zap.String("pair_key", pairKey))
		return Pair{}, txErr
	}
	return result, nil
}

// mergePair upserts the projection row, merging only the provided fields.
// Status obeys precedence: an accepted projection is never downgraded by a
// lower-ranked merge; terminal statuses overwrite directly when explicitly
// requested through mergePairStatus.
func (c *Coordinator) mergePair(tx *gorm.DB, key, providerID, requesterID string, status Status, updates map[string]interface{}, now time.Time) (Pair, error) {
	var pair Pair
	err := tx.Where("pair_key = ?", key).Take(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pair = Pair{
			Key:         key,
			ProviderID:  providerID,
			RequesterID: requesterID,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		applyPairUpdates(&pair, updates)
		if err := tx.Create(&pair).Error; err != nil {
			return Pair{}, err
		}
		return pair, nil
	}
	if err != nil {
		return Pair{}, err
	}

	if status.Rank() >= pair.Status.Rank() {
		updates["status"] = status
	}
	if err := tx.Model(&Pair{}).Where("pair_key = ?", key).Updates(updates).Error; err != nil {
		return Pair{}, err
	}
	applyPairUpdates(&pair, updates)
	return pair, nil
}

// mergePairStatus force-writes a status (used by cancel/complete, whose
// transitions already passed the lifecycle checks on the ledger side).
func (c *Coordinator) mergePairStatus(tx *gorm.DB, pair Pair, status Status, now time.Time) (Pair, error) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if err := tx.Model(&Pair{}).Where("pair_key = ?", pair.Key).Updates(updates).Error; err != nil {
		return Pair{}, err
	}
	pair.Status = status
	pair.UpdatedAt = now
	return pair, nil
}

func (c *Coordinator) rebuildPairLocked(tx *gorm.DB, providerID, requesterID string) (Pair, error) {
	var records []Record
	if err := tx.
		Where("provider_id = ? AND requester_id = ?", providerID, requesterID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return Pair{}, newServiceError(opRebuildPair, "ledger_query_failed", err)
	}
	derived, ok := DerivePair(records)
	if !ok {
		return Pair{}, newServiceError(opRebuildPair, "ledger_empty",
			fmt.Errorf("%w: no engagements for pair %s", ErrNotFound, PairKey(providerID, requesterID)))
	}
	if err := tx.Save(&derived).Error; err != nil {
		return Pair{}, newServiceError(opRebuildPair, "pair_save_failed", err)
	}
	return derived, nil
}

func (c *Coordinator) loadPair(tx *gorm.DB, pairKey string) (Pair, error) {
	var pair Pair
	err := tx.Where("pair_key = ?", pairKey).Take(&pair).Error
	return pair, err
}

func applyPairUpdates(pair *Pair, updates map[string]interface{}) {
	for column, value := range updates {
		switch column {
		case "status":
			if status, ok := value.(Status); ok {
				pair.Status = status
			}
		case "topic":
			if topic, ok := value.(string); ok {
				pair.Topic = topic
			}
		case "location":
			if location, ok := value.(string); ok {
				pair.Location = location
			}
		case "scheduled_time":
			if scheduled, ok := value.(time.Time); ok {
				scheduledCopy := scheduled
				pair.ScheduledTime = &scheduledCopy
			}
		case "meeting_link":
			if link, ok := value.(string); ok {
				pair.MeetingLink = link
			}
		case "updated_at":
			if updated, ok := value.(time.Time); ok {
				pair.UpdatedAt = updated
			}
		}
	}
}

func normalizeLink(url string) string {
	return strings.TrimSpace(url)
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("engagement coordinator error", attrs...)
}
