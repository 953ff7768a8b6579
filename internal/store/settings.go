package store

import (
	"database/sql"

	"github.com/robofleet/fleetd/internal/errors"
	"github.com/robofleet/fleetd/internal/models"
)

// GetSettings returns all stored settings as a raw key/value map.
func (s *Store) GetSettings() (map[string]string, error) {
	const op = "get_settings"

	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, errors.WrapStore(op, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.WrapStore(op, err)
		}
		values[key] = value
	}
	return values, errors.WrapStore(op, rows.Err())
}

// SetSettings overwrites the whole settings map atomically. Every key is
// validated before any write happens; one bad pair rejects the whole call.
func (s *Store) SetSettings(values map[string]string) error {
	const op = "set_settings"

	for key, value := range values {
		if err := models.ValidateSetting(key, value); err != nil {
			return errors.Validationf(op, "%v", err)
		}
	}

	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM settings`); err != nil {
			return errors.WrapStore(op, err)
		}
		for key, value := range values {
			if _, err := tx.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
				return errors.WrapStore(op, err)
			}
		}
		return nil
	})
}

// ResolveSettings loads the stored settings overlaid on the defaults.
func (s *Store) ResolveSettings() (models.Settings, error) {
	values, err := s.GetSettings()
	if err != nil {
		return models.DefaultSettings(), err
	}
	return models.SettingsFromMap(values), nil
}
