package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"almanac/api/internal/store"
)

// DeviceInfo is the client-reported identity of a device.
type DeviceInfo struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	Model       string `json:"model"`
	AppVersion  string `json:"appVersion"`
}

// ValidateDeviceResult reports the admission decision together with the
// account's active roster, so clients can render a revocation picker when
// the limit is hit.
type ValidateDeviceResult struct {
	Valid         bool           `json:"valid"`
	Reason        string         `json:"reason,omitempty"`
	Device        *store.Device  `json:"device,omitempty"`
	ActiveDevices []store.Device `json:"activeDevices"`
	Limit         int            `json:"limit"`
}

// ValidateDevice admits or rejects a device for the account. A device that
// is already active is always valid and only has its metadata refreshed;
// the limit check applies to new or previously revoked devices, so the
// active count never exceeds the configured maximum.
func (s *Service) ValidateDevice(ctx context.Context, session Session, info DeviceInfo) (*ValidateDeviceResult, error) {
	if strings.TrimSpace(info.DeviceID) == "" {
		return nil, errInvalidArgument("deviceId is required", nil)
	}

	now := time.Now().UTC()
	limit := s.cfg.MaxActiveDevices
	result := &ValidateDeviceResult{Limit: limit}
	isNew := false

	err := s.store.InAccountTx(ctx, session.AccountID, func(tx store.Tx) error {
		device, err := tx.GetDevice(ctx, info.DeviceID)
		if err != nil {
			return err
		}

		if device != nil && device.Active {
			if err := tx.TouchDevice(ctx, info.DeviceID, info.AppVersion, now); err != nil {
				return err
			}
			device.LastActiveAt = now
			if info.AppVersion != "" {
				device.AppVersion = info.AppVersion
			}
			result.Valid = true
			result.Device = device
			return nil
		}

		count, err := tx.CountActiveDevices(ctx)
		if err != nil {
			return err
		}
		if count >= limit {
			active, err := tx.ListActiveDevices(ctx)
			if err != nil {
				return err
			}
			result.Valid = false
			result.Reason = "device_limit_exceeded"
			result.ActiveDevices = active
			return nil
		}

		isNew = device == nil
		admitted := store.Device{
			AccountID:    session.AccountID,
			ID:           info.DeviceID,
			DisplayName:  info.DisplayName,
			Platform:     info.Platform,
			Model:        info.Model,
			AppVersion:   info.AppVersion,
			Active:       true,
			FirstSeenAt:  now,
			LastActiveAt: now,
		}
		if device != nil {
			admitted.FirstSeenAt = device.FirstSeenAt
		}
		if err := tx.UpsertDevice(ctx, admitted); err != nil {
			return err
		}
		result.Valid = true
		result.Device = &admitted
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, errNotFound("Account not found")
		}
		return nil, err
	}

	if result.Valid && result.ActiveDevices == nil {
		active, err := s.activeDevices(ctx, session.AccountID)
		if err != nil {
			return nil, err
		}
		result.ActiveDevices = active
	}

	if isNew {
		s.sendNewDeviceEmail(session, info, now)
	}

	return result, nil
}

// RevokeDevice deactivates a device and drops it from fan-out.
func (s *Service) RevokeDevice(ctx context.Context, session Session, deviceID string) (*store.Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errInvalidArgument("deviceId is required", nil)
	}

	now := time.Now().UTC()
	var revoked *store.Device

	err := s.store.InAccountTx(ctx, session.AccountID, func(tx store.Tx) error {
		device, err := tx.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device == nil {
			return errNotFound("Device not found")
		}
		if !device.Active {
			// Revoking an inactive device is a no-op, not an error.
			revoked = device
			return nil
		}
		if _, err := tx.DeactivateDevice(ctx, deviceID, now); err != nil {
			return err
		}
		device.Active = false
		device.RevokedAt = &now
		revoked = device
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, errNotFound("Account not found")
		}
		return nil, err
	}
	return revoked, nil
}

// ListDevices returns the full roster, active first.
func (s *Service) ListDevices(ctx context.Context, session Session) ([]store.Device, error) {
	return s.store.ListDevices(ctx, session.AccountID)
}

func (s *Service) activeDevices(ctx context.Context, accountID string) ([]store.Device, error) {
	devices, err := s.store.ListDevices(ctx, accountID)
	if err != nil {
		return nil, err
	}
	active := make([]store.Device, 0, len(devices))
	for _, device := range devices {
		if device.Active {
			active = append(active, device)
		}
	}
	return active, nil
}

// CleanupInactiveDevices removes devices revoked or idle past the retention
// window, in bounded batches.
func (s *Service) CleanupInactiveDevices(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.DeviceRetentionDays)
	return s.store.CleanupInactiveDevices(ctx, cutoff, s.cfg.BatchChunkSize)
}

// CleanupQueue prunes processed queue entries and old operation ledger rows
// past the retention window.
func (s *Service) CleanupQueue(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.QueueRetentionDays)
	return s.store.CleanupQueue(ctx, cutoff, s.cfg.BatchChunkSize)
}

func (s *Service) sendNewDeviceEmail(session Session, info DeviceInfo, at time.Time) {
	if !s.SMTPConfigured() || session.Email == "" {
		return
	}
	name := session.DisplayName
	if name == "" {
		name = session.Email
	}
	deviceName := info.DisplayName
	if deviceName == "" {
		deviceName = info.DeviceID
	}
	if err := s.mailer.SendNewDeviceEmail(session.Email, name, deviceName, info.Platform, at.Format("2006-01-02 15:04 MST")); err != nil {
		log.Printf(`{"event":"new_device_email_failed","account_id":%q,"error":%q}`, session.AccountID, err.Error())
	}
}
