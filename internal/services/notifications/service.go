// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications delivers issuance and activation events to the
// operator's configured channels via shoutrrr URLs.
package notifications

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/models"
)

const (
	queueSize    = 64
	sendAttempts = 3
	sendDelay    = 2 * time.Second
)

type event struct {
	title   string
	message string
}

// Service fans events out to every configured shoutrrr URL. Dispatch is
// asynchronous so a slow notification target never blocks issuance.
type Service struct {
	log    zerolog.Logger
	sender *router.ServiceRouter

	queue chan event
	wg    sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
}

// NewService builds a dispatcher for the given shoutrrr URLs. With no URLs
// the service is a no-op and Start is not required.
func NewService(log zerolog.Logger, urls []string) (*Service, error) {
	s := &Service{
		log:   log.With().Str("service", "notifications").Logger(),
		queue: make(chan event, queueSize),
		stop:  make(chan struct{}),
	}

	if len(urls) == 0 {
		return s, nil
	}

	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create notification sender")
	}
	s.sender = sender

	return s, nil
}

// Start launches the dispatch worker. Safe to call when no URLs are
// configured.
func (s *Service) Start() {
	if s.sender == nil {
		return
	}

	s.wg.Add(1)
	go s.worker()
}

// Stop drains the queue and waits for in-flight sends.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.queue:
			s.send(ev)
		case <-s.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-s.queue:
					s.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) send(ev event) {
	err := retry.Do(
		func() error {
			errs := s.sender.Send(ev.message, nil)
			for _, err := range errs {
				if err != nil {
					return err
				}
			}
			return nil
		},
		retry.Attempts(sendAttempts),
		retry.Delay(sendDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.log.Error().Err(err).Str("title", ev.title).Msg("Failed to deliver notification")
		return
	}

	s.log.Debug().Str("title", ev.title).Msg("Notification delivered")
}

func (s *Service) enqueue(ev event) {
	if s.sender == nil {
		return
	}

	select {
	case s.queue <- ev:
	default:
		s.log.Warn().Str("title", ev.title).Msg("Notification queue full, dropping event")
	}
}

// LicenseIssued implements the issuer's Notifier.
func (s *Service) LicenseIssued(lic *models.License, displayCode string) {
	s.enqueue(event{
		title: "License issued",
		message: fmt.Sprintf("License issued\nEmail: %s\nTier: %s\nPurchase: %s\nValid until: %s\nCode: %s",
			lic.Email, lic.ProductType, lic.PurchaseID,
			lic.ValidUntil.Format("2006-01-02"), displayCode),
	})
}

// DeviceBound reports a successful activation.
func (s *Service) DeviceBound(lic *models.License, deviceID string, activeDevices int) {
	s.enqueue(event{
		title: "Device activated",
		message: fmt.Sprintf("Device activated\nEmail: %s\nDevice: %s\nSeats: %d of %d",
			lic.Email, deviceID, activeDevices, lic.MaxDevices),
	})
}

// Test sends a synchronous test message to verify the configured URLs.
func (s *Service) Test(ctx context.Context) error {
	if s.sender == nil {
		return errors.New("no notification urls configured")
	}

	errs := s.sender.Send("keygate notification test", nil)
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("notification test failed: %s", strings.Join(msgs, "; "))
	}

	return nil
}
