// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package current

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkorva/authledger/internal/codec"
	"github.com/mkorva/authledger/internal/config"
	"github.com/mkorva/authledger/internal/event"
	"github.com/mkorva/authledger/internal/store"
)

const userIDAttr = "urn:oid:0.9.2342.19200300.100.1.1"

func testStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db, err := store.Open(&config.StoreConfig{Path: "", TablePrefix: "c_"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, codec.NewJSON(), userIDAttr, config.HashUniquenessScoped)
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return s, db
}

func oidcState(happenedAt time.Time) *event.State {
	return &event.State{
		IdentityProviderEntityID: "https://op.example.org",
		IdentityProviderMetadata: map[string]any{"issuer": "https://op.example.org"},
		ServiceProviderEntityID:  "client-dashboard",
		ServiceProviderMetadata:  map[string]any{"name": "Dashboard"},
		UserAttributes: map[string][]string{
			userIDAttr: {"jdoe"},
			"mail":     {"jdoe@example.org"},
		},
		HappenedAt:             happenedAt,
		ClientIPAddress:        "203.0.113.9",
		AuthenticationProtocol: event.ProtocolOIDC,
	}
}

func rowCount(t *testing.T, db *store.DB, table string) int {
	t.Helper()
	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestPersistMaterializesConnectedService(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.Persist(ctx, oidcState(base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Persist: %v", err)
		}
	}

	if got := rowCount(t, db, "c_authentication_event"); got != 3 {
		t.Errorf("event rows = %d, want 3", got)
	}
	if got := rowCount(t, db, "c_connected_service"); got != 1 {
		t.Errorf("connected_service rows = %d, want 1", got)
	}

	services, err := s.ConnectedServices(ctx, "jdoe")
	if err != nil {
		t.Fatalf("ConnectedServices: %v", err)
	}
	if len(services) != 1 {
		t.Fatalf("services = %d, want 1", len(services))
	}
	svc := services[0]
	if svc.NumberOfAuthentications != 3 {
		t.Errorf("authentications = %d, want 3", svc.NumberOfAuthentications)
	}
	if !svc.FirstAuthenticationAt.Equal(base) {
		t.Errorf("first = %v, want %v", svc.FirstAuthenticationAt, base)
	}
	if !svc.LastAuthenticationAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("last = %v, want %v", svc.LastAuthenticationAt, base.Add(2*time.Hour))
	}
}

func TestOutOfOrderEventsKeepAggregateBounds(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// A delayed queue delivery can persist an older event after a newer
	// one; least/greatest in the upsert keeps the bounds correct.
	if err := s.Persist(ctx, oidcState(base)); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(ctx, oidcState(base.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	services, err := s.ConnectedServices(ctx, "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if !services[0].FirstAuthenticationAt.Equal(base.Add(-time.Hour)) {
		t.Errorf("first = %v, want %v", services[0].FirstAuthenticationAt, base.Add(-time.Hour))
	}
	if !services[0].LastAuthenticationAt.Equal(base) {
		t.Errorf("last = %v, want %v", services[0].LastAuthenticationAt, base)
	}
}

func TestSPMetadataOverwrittenInPlace(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.Persist(ctx, oidcState(base)); err != nil {
		t.Fatal(err)
	}
	changed := oidcState(base.Add(time.Hour))
	changed.ServiceProviderMetadata = map[string]any{"name": "Dashboard v2"}
	if err := s.Persist(ctx, changed); err != nil {
		t.Fatal(err)
	}

	if got := rowCount(t, db, "c_sp"); got != 1 {
		t.Fatalf("sp rows = %d, want 1 (snapshot, not history)", got)
	}

	services, err := s.ConnectedServices(ctx, "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if services[0].ServiceProviderMetadata["name"] != "Dashboard v2" {
		t.Errorf("sp metadata = %v, want the overwritten snapshot", services[0].ServiceProviderMetadata)
	}
}

func TestUserAttributesStillVersioned(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.Persist(ctx, oidcState(base)); err != nil {
		t.Fatal(err)
	}
	changed := oidcState(base.Add(time.Hour))
	changed.UserAttributes["mail"] = []string{"new@example.org"}
	if err := s.Persist(ctx, changed); err != nil {
		t.Fatal(err)
	}

	if got := rowCount(t, db, "c_user"); got != 1 {
		t.Errorf("user rows = %d, want 1", got)
	}
	if got := rowCount(t, db, "c_user_version"); got != 2 {
		t.Errorf("user version rows = %d, want 2", got)
	}

	// The aggregate points at the latest version.
	services, err := s.ConnectedServices(ctx, "jdoe")
	if err != nil {
		t.Fatal(err)
	}
	if services[0].UserAttributes["mail"][0] != "new@example.org" {
		t.Errorf("attributes = %v, want latest version", services[0].UserAttributes)
	}
}

func TestActivityReadsCurrentSnapshot(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.Persist(ctx, oidcState(base)); err != nil {
		t.Fatal(err)
	}
	changed := oidcState(base.Add(time.Hour))
	changed.ServiceProviderMetadata = map[string]any{"name": "Dashboard v2"}
	if err := s.Persist(ctx, changed); err != nil {
		t.Fatal(err)
	}

	feed, err := s.Activity(ctx, "jdoe", 10, 0)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("feed entries = %d, want 2", len(feed))
	}
	if !feed[0].HappenedAt.After(feed[1].HappenedAt) {
		t.Error("feed not ordered by happened_at descending")
	}
	// Both entries show the same, current, SP metadata: this variant keeps
	// no SP history.
	for i, entry := range feed {
		if entry.ServiceProviderMetadata["name"] != "Dashboard v2" {
			t.Errorf("entry %d sp metadata = %v, want current snapshot", i, entry.ServiceProviderMetadata)
		}
	}
	if feed[1].UserAttributes["mail"][0] != "jdoe@example.org" {
		t.Errorf("older entry attributes = %v, want the version at event time", feed[1].UserAttributes)
	}
}

func TestActivityCorruptBlobFailsTyped(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	if err := s.Persist(ctx, oidcState(time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Conn().ExecContext(ctx,
		"UPDATE c_sp SET metadata = ?", []byte("{broken")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Activity(ctx, "jdoe", 10, 0)
	var derr *store.DeserializationError
	if !errors.As(err, &derr) {
		t.Errorf("error = %v, want DeserializationError", err)
	}
}

func TestDeleteDataOlderThanCleansOrphans(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	// One user ages out entirely, the other stays in the window.
	old := oidcState(now.Add(-72 * time.Hour))
	old.UserAttributes = map[string][]string{userIDAttr: {"departed"}}
	if err := s.Persist(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Persist(ctx, oidcState(now)); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDataOlderThan(ctx, now.Add(-24*time.Hour)); err != nil {
		t.Fatalf("DeleteDataOlderThan: %v", err)
	}

	if got := rowCount(t, db, "c_authentication_event"); got != 1 {
		t.Errorf("event rows = %d, want 1", got)
	}
	if got := rowCount(t, db, "c_connected_service"); got != 1 {
		t.Errorf("connected_service rows = %d, want 1", got)
	}
	if got := rowCount(t, db, "c_user"); got != 1 {
		t.Errorf("user rows = %d, want 1 (departed user purged)", got)
	}
	if got := rowCount(t, db, "c_user_version"); got != 1 {
		t.Errorf("user version rows = %d, want 1", got)
	}
	// SP snapshot survives retention: it is the only copy of the metadata.
	if got := rowCount(t, db, "c_sp"); got != 1 {
		t.Errorf("sp rows = %d, want 1", got)
	}

	services, err := s.ConnectedServices(ctx, "departed")
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 0 {
		t.Errorf("departed user still has %d connected services", len(services))
	}
}
