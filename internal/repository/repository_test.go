package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"kyc-onboarding/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := NewDB("sqlite", filepath.Join(t.TempDir(), "kyc.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newSession(partnerID uint, telegramID int64, form model.FormData) *model.Session {
	s := &model.Session{
		PartnerID:   partnerID,
		TelegramID:  telegramID,
		ChatID:      telegramID,
		Username:    "merchant",
		CurrentStep: "MENU",
	}
	s.SetForm(form)
	return s
}

func TestSessionUpsertCreatesThenUpdates(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	ctx := context.Background()

	created, err := repo.Upsert(ctx, newSession(1, 42, model.FormData{}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.CurrentStep != "MENU" {
		t.Fatalf("unexpected created session: %+v", created)
	}

	next := newSession(1, 42, model.FormData{AgentName: "Vifa CELL"})
	next.CurrentStep = "owner_name"
	updated, err := repo.Upsert(ctx, next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("expected same row %d, got %d", created.ID, updated.ID)
	}
	if updated.Form().AgentName != "Vifa CELL" || updated.CurrentStep != "owner_name" {
		t.Fatalf("update not applied: %+v", updated)
	}

	other, err := repo.Upsert(ctx, newSession(2, 42, model.FormData{}))
	if err != nil {
		t.Fatalf("other partner: %v", err)
	}
	if other.ID == created.ID {
		t.Fatalf("sessions of different partners must not share a row")
	}
}

func TestSessionUpsertConcurrentKeepsOneRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			form := model.FormData{AgentName: fmt.Sprintf("Agent %02d", i), OwnerName: fmt.Sprintf("Owner %02d", i)}
			if _, err := repo.Upsert(ctx, newSession(1, 7, form)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("upsert: %v", err)
	}

	var count int64
	if err := db.Model(&model.Session{}).Where("partner_id = ? AND telegram_id = ?", 1, 7).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one session row, got %d", count)
	}

	got, err := repo.FindByUser(ctx, 1, 7)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	form := got.Form()
	if form.AgentName[len("Agent "):] != form.OwnerName[len("Owner "):] {
		t.Fatalf("form data mixes two writes: %+v", form)
	}
}

func completedForm() model.FormData {
	tax := model.NoTaxNumber
	return model.FormData{
		IDCardPhoto:       &model.PhotoRef{FileID: "ktp"},
		IDCardNumber:      "3171234567890123",
		AgentName:         "Vifa CELL",
		OwnerName:         "Vifa Andini",
		BusinessField:     "Pulsa & Paket Data",
		PICName:           "Vifa Andini",
		PICPhone:          "081234567890",
		TaxNumber:         &tax,
		AccountHolderName: "Vifa Andini",
		BankName:          "Bank Mandiri",
		AccountNumber:     "1234567890",
		SignaturePhoto:    &model.PhotoRef{FileID: "sig"},
		LocationPhotos:    []model.PhotoRef{{FileID: "loc1"}, {FileID: "loc2"}},
		BankBookPhoto:     &model.PhotoRef{FileID: "book"},
		TermsAccepted:     true,
	}
}

func TestSessionCompleteCreatesApplication(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	s, err := repo.Upsert(ctx, newSession(1, 9, completedForm()))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	app := model.NewApplication(s, time.Now())
	photos := model.PhotosFromForm(s.Form())
	if err := repo.Complete(ctx, s, &app, photos); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := repo.FindByUser(ctx, 1, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	loaded, err := NewApplicationRepository(db).FindByID(ctx, 1, app.ID)
	if err != nil {
		t.Fatalf("find application: %v", err)
	}
	if loaded.Status != model.StatusDraft || loaded.TaxNumber != "" {
		t.Fatalf("unexpected application: %+v", loaded)
	}
	if len(loaded.Photos) != 5 {
		t.Fatalf("expected 5 photos, got %d", len(loaded.Photos))
	}

	again := model.NewApplication(s, time.Now())
	if err := repo.Complete(ctx, s, &again, model.PhotosFromForm(s.Form())); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second completion to fail with ErrNotFound, got %v", err)
	}
	var apps int64
	db.Model(&model.Application{}).Count(&apps)
	if apps != 1 {
		t.Fatalf("expected one application after double completion, got %d", apps)
	}
}

func TestSessionCompleteRollsBackOnPhotoFailure(t *testing.T) {
	db := newTestDB(t)
	repo := NewSessionRepository(db)
	ctx := context.Background()

	s, err := repo.Upsert(ctx, newSession(1, 11, completedForm()))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	inserted := 0
	if err := db.Callback().Create().Before("gorm:create").Register("test:fail_third_photo", func(tx *gorm.DB) {
		if tx.Statement.Table != "photos" {
			return
		}
		inserted++
		if inserted == 3 {
			tx.AddError(errors.New("photo storage unavailable"))
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	app := model.NewApplication(s, time.Now())
	if err := repo.Complete(ctx, s, &app, model.PhotosFromForm(s.Form())); err == nil {
		t.Fatalf("expected completion to fail")
	}

	var apps, photos int64
	db.Model(&model.Application{}).Count(&apps)
	db.Model(&model.Photo{}).Count(&photos)
	if apps != 0 || photos != 0 {
		t.Fatalf("expected full rollback, got %d applications and %d photos", apps, photos)
	}
	if _, err := repo.FindByUser(ctx, 1, 11); err != nil {
		t.Fatalf("session must survive a failed completion: %v", err)
	}
}

func TestIDCardHolderIgnoresOwnSession(t *testing.T) {
	repo := NewSessionRepository(newTestDB(t))
	ctx := context.Background()

	form := model.FormData{IDCardNumber: "3171234567890123"}
	if _, err := repo.Upsert(ctx, newSession(1, 100, form)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, found, err := repo.IDCardHolder(ctx, 1, form.IDCardNumber, 100); err != nil || found {
		t.Fatalf("own session must not count as duplicate: %v %v", found, err)
	}
	holder, found, err := repo.IDCardHolder(ctx, 1, form.IDCardNumber, 200)
	if err != nil || !found || holder != 100 {
		t.Fatalf("expected holder 100 for another user, got %d %v %v", holder, found, err)
	}
	if _, found, err := repo.IDCardHolder(ctx, 2, form.IDCardNumber, 200); err != nil || found {
		t.Fatalf("sessions of another partner must not count: %v %v", found, err)
	}
}

func TestApplicationTransitionOnlyFromExpectedStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewApplicationRepository(db)
	ctx := context.Background()

	app := model.Application{PartnerID: 1, TelegramID: 5, Status: model.StatusDraft}
	if err := db.Create(&app).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.Transition(ctx, 1, app.ID, model.StatusDraft, model.StatusConfirmed, map[string]interface{}{"confirmed_by": "ops"})
	if err != nil || !ok {
		t.Fatalf("first transition: %v %v", ok, err)
	}
	ok, err = repo.Transition(ctx, 1, app.ID, model.StatusDraft, model.StatusRejected, nil)
	if err != nil || ok {
		t.Fatalf("second transition must not apply: %v %v", ok, err)
	}
	ok, err = repo.Transition(ctx, 2, app.ID, model.StatusConfirmed, model.StatusRejected, nil)
	if err != nil || ok {
		t.Fatalf("other partner must not transition: %v %v", ok, err)
	}

	loaded, err := repo.FindByID(ctx, 1, app.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded.Status != model.StatusConfirmed || loaded.ConfirmedBy != "ops" {
		t.Fatalf("unexpected application: %+v", loaded)
	}
	if _, err := repo.FindByID(ctx, 2, app.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other partner, got %v", err)
	}
}

func TestApplicationListFilters(t *testing.T) {
	db := newTestDB(t)
	repo := NewApplicationRepository(db)
	ctx := context.Background()

	for i, status := range []model.ApplicationStatus{model.StatusDraft, model.StatusDraft, model.StatusConfirmed} {
		app := model.Application{PartnerID: 1, TelegramID: int64(i + 1), Status: status}
		if err := db.Create(&app).Error; err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := db.Create(&model.Application{PartnerID: 2, TelegramID: 1, Status: model.StatusDraft}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}

	apps, total, err := repo.List(ctx, 1, ApplicationFilter{Status: model.StatusDraft})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(apps) != 2 {
		t.Fatalf("expected 2 drafts, got total=%d len=%d", total, len(apps))
	}

	apps, total, err = repo.List(ctx, 1, ApplicationFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(apps) != 1 {
		t.Fatalf("expected a page of 1 out of 3, got total=%d len=%d", total, len(apps))
	}
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewReferenceRepository(db)
	if err := repo.SeedDefaults(); err != nil {
		t.Fatalf("seed again: %v", err)
	}
	banks, err := repo.ListByKind(context.Background(), model.ReferenceBank)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(banks) != len(defaultReferences[model.ReferenceBank]) {
		t.Fatalf("expected %d banks, got %d", len(defaultReferences[model.ReferenceBank]), len(banks))
	}
	if banks[0].Position != 1 {
		t.Fatalf("expected ordered by position, got %+v", banks[0])
	}
}

func TestPartnerUpsertByCode(t *testing.T) {
	repo := NewPartnerRepository(newTestDB(t))
	ctx := context.Background()

	p, err := repo.UpsertByCode(ctx, "acme", "Acme", "123:abc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := repo.UpsertByCode(ctx, "acme", "Acme Pulsa", "123:def")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if again.ID != p.ID {
		t.Fatalf("expected same partner row")
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].BotToken != "123:def" || active[0].Name != "Acme Pulsa" {
		t.Fatalf("unexpected active partners: %+v", active)
	}
}
