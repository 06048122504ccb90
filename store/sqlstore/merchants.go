package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/loyalty-ledger/ledger"
)

// =============================================================================
// MERCHANT SETTINGS (ledger.SettingsProvider)
// =============================================================================

// MerchantSettings returns the stored settings snapshot.
func (s *Store) MerchantSettings(ctx context.Context, merchantID ledger.MerchantID) (ledger.MerchantSettings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT settings_json FROM merchants WHERE id = ?`), merchantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.MerchantSettings{}, ledger.ErrMerchantNotFound
	}
	if err != nil {
		return ledger.MerchantSettings{}, fmt.Errorf("failed to load merchant: %w", err)
	}

	var settings ledger.MerchantSettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return ledger.MerchantSettings{}, fmt.Errorf("merchant %s settings: %w: %v", merchantID, ledger.ErrCorruptRecord, err)
	}
	return settings, nil
}

// SaveMerchant creates the merchant or replaces its settings.
func (s *Store) SaveMerchant(ctx context.Context, merchantID ledger.MerchantID, settings ledger.MerchantSettings) error {
	if merchantID == "" {
		return fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO merchants (id, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET settings_json = excluded.settings_json, updated_at = excluded.updated_at
	`), merchantID, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("failed to save merchant: %w", err)
	}
	return nil
}
