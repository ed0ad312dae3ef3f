package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/onnwee/castwatch/crypto"
	"github.com/onnwee/castwatch/db"
)

// Store persists the credential across restarts. Load returns (nil, nil) when nothing
// is stored.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c Credential) error
}

// FileStore keeps the credential as JSON on local disk. With an encryptor the token and
// cookie are sealed.
type FileStore struct {
	Path string
	Enc  crypto.Encryptor
}

type fileRecord struct {
	Credential
	Encrypted bool `json:"encrypted,omitempty"`
}

func (s *FileStore) Load(_ context.Context) (*Credential, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode credential file: %w", err)
	}
	if rec.Encrypted {
		if s.Enc == nil {
			return nil, errors.New("credential file is encrypted but ENCRYPTION_KEY not configured")
		}
		if rec.Token, err = crypto.DecryptString(s.Enc, rec.Token); err != nil {
			return nil, fmt.Errorf("decrypt token: %w", err)
		}
		if rec.CFClearance, err = crypto.DecryptString(s.Enc, rec.CFClearance); err != nil {
			return nil, fmt.Errorf("decrypt cf_clearance: %w", err)
		}
	}
	c := rec.Credential
	return &c, nil
}

func (s *FileStore) Save(_ context.Context, c Credential) error {
	rec := fileRecord{Credential: c}
	if s.Enc != nil {
		var err error
		if rec.Token, err = crypto.EncryptString(s.Enc, c.Token); err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
		if rec.CFClearance, err = crypto.EncryptString(s.Enc, c.CFClearance); err != nil {
			return fmt.Errorf("encrypt cf_clearance: %w", err)
		}
		rec.Encrypted = true
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("rename credential file: %w", err)
	}
	return nil
}

// DBStore keeps the credential in platform_credentials.
type DBStore struct {
	DB       *sql.DB
	Enc      crypto.Encryptor
	Provider string
}

func (s *DBStore) provider() string {
	if s.Provider == "" {
		return "stripchat"
	}
	return s.Provider
}

func (s *DBStore) Load(ctx context.Context) (*Credential, error) {
	row, err := db.GetCredential(ctx, s.DB, s.Enc, s.provider())
	if err != nil || row == nil {
		return nil, err
	}
	return &Credential{
		Token:        row.Token,
		CFClearance:  row.CFClearance,
		WSURL:        row.WSURL,
		SubjectID:    row.SubjectID,
		ExpiresAt:    row.ExpiresAt,
		Method:       row.Method,
		AcquiredAt:   row.AcquiredAt,
		RefreshCount: row.RefreshCount,
	}, nil
}

func (s *DBStore) Save(ctx context.Context, c Credential) error {
	return db.UpsertCredential(ctx, s.DB, s.Enc, db.CredentialRow{
		Provider:     s.provider(),
		Token:        c.Token,
		CFClearance:  c.CFClearance,
		WSURL:        c.WSURL,
		SubjectID:    c.SubjectID,
		ExpiresAt:    c.ExpiresAt,
		Method:       c.Method,
		AcquiredAt:   c.AcquiredAt,
		RefreshCount: c.RefreshCount,
	})
}
