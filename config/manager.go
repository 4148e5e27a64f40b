package config

import (
	"errors"
	"fmt"

	"simpleye/database"
)

// CameraStore provides read access to camera settings for the recording
// subsystem and seeds them from a file on first start.
type CameraStore struct {
	db database.Database
}

// NewCameraStore wraps a database.
func NewCameraStore(db database.Database) *CameraStore {
	return &CameraStore{db: db}
}

// GetCameras returns every configured camera, normalized.
func (s *CameraStore) GetCameras() ([]CameraConfig, error) {
	records, err := s.db.GetCameras()
	if err != nil {
		return nil, err
	}
	cams := make([]CameraConfig, 0, len(records))
	for _, r := range records {
		cams = append(cams, FromRecord(r))
	}
	return cams, nil
}

// GetCamera returns one camera. database.ErrNotFound is passed through.
func (s *CameraStore) GetCamera(id string) (CameraConfig, error) {
	r, err := s.db.GetCamera(id)
	if err != nil {
		return CameraConfig{}, err
	}
	return FromRecord(*r), nil
}

// Save stores a camera after normalizing it.
func (s *CameraStore) Save(c CameraConfig) error {
	c = c.Normalize()
	if c.ID == "" {
		return fmt.Errorf("camera id is required")
	}
	return s.db.UpsertCamera(c.ToRecord())
}

// Seed inserts cameras that are not stored yet and returns how many were
// added. Stored cameras win over the seed.
func (s *CameraStore) Seed(cams []CameraConfig) (int, error) {
	added := 0
	for _, c := range cams {
		_, err := s.db.GetCamera(c.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, database.ErrNotFound) {
			return added, err
		}
		if err := s.Save(c); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
