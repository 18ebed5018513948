// Package mobile is the gomobile binding of the sync engine. Every call takes
// and returns JSON strings so the per-platform layer stays thin.
package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/config"
	"github.com/MarcoPoloResearchLab/carelog/internal/logging"
	"github.com/MarcoPoloResearchLab/carelog/internal/offline"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"go.uber.org/zap"
)

const landingRange = "landing"

var errClosed = errors.New("mobile: core is closed")

// Core is an opened engine instance.
type Core struct {
	mu         sync.RWMutex
	service    *offline.Service
	closeStore func() error
	logger     *zap.Logger
}

// sessionRequest is the session shape handed over by the host. Unlike
// session.Context it carries the bearer token.
type sessionRequest struct {
	BabyID      string `json:"babyId"`
	HouseholdID string `json:"householdId"`
	BearerToken string `json:"bearerToken"`
}

// Open builds a Core from a JSON document using the same keys as the
// configuration file, for example {"store":{"driver":"file","path":"..."}}.
// An empty document selects the defaults.
func Open(configJSON string) (*Core, error) {
	configViper := config.NewViper()
	if strings.TrimSpace(configJSON) != "" {
		configViper.SetConfigType("json")
		if err := configViper.ReadConfig(strings.NewReader(configJSON)); err != nil {
			return nil, fmt.Errorf("mobile: decode config: %w", err)
		}
	}
	appConfig, err := config.Load(configViper)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}
	service, closeStore, err := offline.Open(appConfig, nil, logger)
	if err != nil {
		return nil, err
	}
	return &Core{service: service, closeStore: closeStore, logger: logger.Named("mobile")}, nil
}

// Enqueue records a write action and returns the queued mutation.
func (c *Core) Enqueue(sessionJSON, kind, payloadJSON string) (string, error) {
	service, sess, err := c.begin(sessionJSON)
	if err != nil {
		return "", err
	}
	mutationKind, err := care.ParseMutationKind(kind)
	if err != nil {
		return "", err
	}
	var payload care.Payload
	if err := decode(payloadJSON, &payload); err != nil {
		return "", err
	}
	mutation, err := service.Enqueue(context.Background(), sess, mutationKind, payload)
	if err != nil {
		return "", err
	}
	return encode(mutation)
}

// Projection returns the events of baseJSON (an array of confirmed events,
// may be empty) with the pending mutations applied.
func (c *Core) Projection(sessionJSON, baseJSON string) (string, error) {
	service, sess, err := c.begin(sessionJSON)
	if err != nil {
		return "", err
	}
	var base []care.CareEvent
	if err := decode(baseJSON, &base); err != nil {
		return "", err
	}
	return encode(service.Projection(context.Background(), sess, base))
}

// Snapshot builds the day, week, month or landing summary. anchor is a
// YYYY-MM-DD date; empty means today.
func (c *Core) Snapshot(sessionJSON, rangeName, anchor string) (string, error) {
	service, sess, err := c.begin(sessionJSON)
	if err != nil {
		return "", err
	}
	ctx := context.Background()
	if strings.EqualFold(strings.TrimSpace(rangeName), landingRange) {
		return encode(service.Landing(ctx, sess, nil))
	}
	kind, err := snapshot.ParseRangeKind(rangeName)
	if err != nil {
		return "", err
	}
	anchorTime := time.Now().In(service.Location())
	if strings.TrimSpace(anchor) != "" {
		if anchorTime, err = snapshot.ParseAnchor(anchor, service.Location()); err != nil {
			return "", err
		}
	}
	record, err := service.Snapshot(ctx, sess, kind, anchorTime, nil)
	if err != nil {
		return "", err
	}
	return encode(record)
}

// Flush runs one sync pass and returns its result.
func (c *Core) Flush(sessionJSON string) (string, error) {
	service, sess, err := c.begin(sessionJSON)
	if err != nil {
		return "", err
	}
	result, err := service.Flush(context.Background(), sess)
	if err != nil {
		c.logger.Warn("flush failed", zap.String("baby_id", sess.BabyID.String()), zap.Error(err))
		return "", err
	}
	return encode(result)
}

// Pending returns the mutations not yet confirmed by the remote store.
func (c *Core) Pending(sessionJSON string) (string, error) {
	service, sess, err := c.begin(sessionJSON)
	if err != nil {
		return "", err
	}
	return encode(service.Pending(context.Background(), sess))
}

// Close releases the store. Later calls fail.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.service == nil {
		return nil
	}
	c.service = nil
	defer c.logger.Sync() //nolint:errcheck
	return c.closeStore()
}

func (c *Core) begin(sessionJSON string) (*offline.Service, session.Context, error) {
	c.mu.RLock()
	service := c.service
	c.mu.RUnlock()
	if service == nil {
		return nil, session.Context{}, errClosed
	}
	var request sessionRequest
	if err := decode(sessionJSON, &request); err != nil {
		return nil, session.Context{}, err
	}
	sess, err := session.New(request.BabyID, request.HouseholdID, request.BearerToken)
	if err != nil {
		return nil, session.Context{}, err
	}
	return service, sess, nil
}

func decode(raw string, target any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("mobile: decode request: %w", err)
	}
	return nil
}

func encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("mobile: encode response: %w", err)
	}
	return string(data), nil
}
