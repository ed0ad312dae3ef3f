package db

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/castwatch/crypto"
)

func TestCredentialRoundTrip(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	if err != nil {
		t.Fatal(err)
	}

	row := CredentialRow{
		Provider:     "test-provider",
		Token:        "eyJ.token.sig",
		CFClearance:  "clearance",
		WSURL:        "wss://example/ws",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Method:       "page_html",
		AcquiredAt:   time.Now().UTC().Truncate(time.Second),
		RefreshCount: 3,
	}
	t.Cleanup(func() { _, _ = database.ExecContext(ctx, `DELETE FROM platform_credentials WHERE provider='test-provider'`) })

	if err := UpsertCredential(ctx, database, enc, row); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	var stored string
	var version int
	if err := database.QueryRowContext(ctx, `SELECT token, encryption_version FROM platform_credentials WHERE provider='test-provider'`).Scan(&stored, &version); err != nil {
		t.Fatal(err)
	}
	if stored == row.Token || version != 1 {
		t.Errorf("token should be sealed at rest: stored=%q version=%d", stored, version)
	}

	got, err := GetCredential(ctx, database, enc, "test-provider")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil || got.Token != row.Token || got.CFClearance != row.CFClearance || got.RefreshCount != 3 {
		t.Errorf("GetCredential() = %+v", got)
	}

	if _, err := GetCredential(ctx, database, nil, "test-provider"); err == nil {
		t.Error("expected error reading encrypted row without a key")
	}

	missing, err := GetCredential(ctx, database, enc, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing provider = %v, %v; want nil, nil", missing, err)
	}
}
