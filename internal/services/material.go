package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"manabi-backend/internal/logger"
	"manabi-backend/internal/models"
	"manabi-backend/internal/repository"
	"manabi-backend/internal/versioning"
)

const (
	// MaxMaterialWait bounds how long a reader may poll for pending material.
	MaxMaterialWait      = 10 * time.Second
	materialPollInterval = 250 * time.Millisecond
)

type messageReader interface {
	GetMessage(ctx context.Context, userID, id uuid.UUID) (*models.ChatMessage, error)
}

type MaterialService struct {
	messages     messageReader
	store        *versioning.Store[models.Material]
	orchestrator *Orchestrator
	limiter      *GenerationLimiter
	publisher    Publisher
	log          *logger.Logger
}

func NewMaterialService(
	messages messageReader,
	store *versioning.Store[models.Material],
	orchestrator *Orchestrator,
	limiter *GenerationLimiter,
	publisher Publisher,
	log *logger.Logger,
) *MaterialService {
	return &MaterialService{
		messages:     messages,
		store:        store,
		orchestrator: orchestrator,
		limiter:      limiter,
		publisher:    publisher,
		log:          log,
	}
}

func materialKey(userID, messageID uuid.UUID) versioning.Key {
	return versioning.Key{UserID: userID, Name: messageID.String()}
}

func (s *MaterialService) message(ctx context.Context, userID, messageID uuid.UUID) (*models.ChatMessage, error) {
	m, err := s.messages.GetMessage(ctx, userID, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &NotFoundError{Message: "Message not found"}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetActive returns the active Material for a message. With wait > 0 it
// polls up to that long for material that is still being generated.
func (s *MaterialService) GetActive(ctx context.Context, userID, messageID uuid.UUID, wait time.Duration) (*versioning.Version[models.Material], error) {
	if _, err := s.message(ctx, userID, messageID); err != nil {
		return nil, err
	}
	if wait > MaxMaterialWait {
		wait = MaxMaterialWait
	}

	var (
		v   *versioning.Version[models.Material]
		err error
	)
	if wait > 0 {
		v, err = s.store.WaitForActive(ctx, materialKey(userID, messageID), wait, materialPollInterval)
	} else {
		v, err = s.store.GetActive(ctx, materialKey(userID, messageID))
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NotFoundError{Message: "Material not available yet"}
	}
	return v, nil
}

func (s *MaterialService) ListVersions(ctx context.Context, userID, messageID uuid.UUID) ([]versioning.Version[models.Material], error) {
	if _, err := s.message(ctx, userID, messageID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, materialKey(userID, messageID))
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []versioning.Version[models.Material]{}
	}
	return versions, nil
}

// Regenerate creates and activates a new Material version for an assistant message.
func (s *MaterialService) Regenerate(ctx context.Context, userID, messageID uuid.UUID) (*versioning.Version[models.Material], error) {
	msg, err := s.message(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != "assistant" {
		return nil, &ValidationError{Fields: map[string]string{"message_id": "material exists only for assistant messages"}}
	}
	if msg.UsedFallback {
		return nil, &ValidationError{Fields: map[string]string{"message_id": "fallback replies have no material"}}
	}
	if err := s.limiter.Check(ctx, userID, RegenerateRule); err != nil {
		return nil, err
	}
	return s.create(ctx, msg, models.TriggerRegenerate)
}

func (s *MaterialService) SwitchVersion(ctx context.Context, userID, messageID uuid.UUID, req models.SwitchVersionRequest) (*versioning.Version[models.Material], error) {
	if err := ValidateStruct(req); err != nil {
		return nil, err
	}
	if _, err := s.message(ctx, userID, messageID); err != nil {
		return nil, err
	}
	return s.store.SwitchActive(ctx, materialKey(userID, messageID), req.Version)
}

// GenerateForMessage is the worker entry point for queued material jobs.
func (s *MaterialService) GenerateForMessage(ctx context.Context, job models.MaterialJob) error {
	msg, err := s.message(ctx, job.UserID, job.MessageID)
	if err != nil {
		return err
	}
	_, err = s.create(ctx, msg, job.Trigger)
	return err
}

func (s *MaterialService) create(ctx context.Context, msg *models.ChatMessage, trigger string) (*versioning.Version[models.Material], error) {
	req := GenerationRequest{UserID: msg.UserID, Trigger: trigger}
	material, fallback := s.orchestrator.GenerateMaterial(ctx, req, msg)

	v, err := s.store.CreateNextVersion(ctx, materialKey(msg.UserID, msg.ID), material)
	if err != nil {
		return nil, fmt.Errorf("failed to store material: %w", err)
	}

	s.log.Info("material stored", "message_id", msg.ID, "version", v.Version, "fallback", fallback)
	s.publisher.Publish(ctx, msg.UserID, models.WSMessage{
		Type:    models.EventMaterialReady,
		Payload: models.MaterialReadyEvent{MessageID: msg.ID, Version: v.Version, Fallback: fallback},
	})
	return v, nil
}
