package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/catalog/domain"
	"github.com/smallbiznis/settlement/internal/catalog/repository"
	"github.com/smallbiznis/settlement/internal/catalog/service"
	splitdomain "github.com/smallbiznis/settlement/internal/split/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE creators (
			id BIGINT PRIMARY KEY,
			username TEXT NOT NULL,
			wallet_address TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE contents (
			id BIGINT PRIMARY KEY,
			creator_id BIGINT NOT NULL,
			project_id BIGINT,
			title TEXT NOT NULL,
			price_usd TEXT NOT NULL,
			editions INTEGER NOT NULL DEFAULT 0,
			split_mode TEXT NOT NULL DEFAULT 'auto',
			nft_contract TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE chapters (
			id BIGINT PRIMARY KEY,
			content_id BIGINT,
			creator_id BIGINT NOT NULL,
			project_id BIGINT,
			title TEXT NOT NULL,
			price_usd TEXT NOT NULL,
			split_mode TEXT NOT NULL DEFAULT 'auto',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE project_collaborators (
			project_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			revenue_percentage TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newService() domain.Service {
	return service.NewService(service.Params{
		Log:  zap.NewNop(),
		Repo: repository.Provide(),
	})
}

func mustExec(t *testing.T, db *gorm.DB, sql string, args ...any) {
	t.Helper()
	if err := db.Exec(sql, args...).Error; err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

func TestResolveContentFallsBackToOwner(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(10)
	ctx := context.Background()

	owner := node.Generate()
	contentID := node.Generate()
	mustExec(t, db, `INSERT INTO creators (id, username, wallet_address) VALUES (?, ?, ?)`, owner, "ana", "WalletAna")
	mustExec(t, db, `INSERT INTO contents (id, creator_id, title, price_usd, editions, split_mode, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contentID, owner, "Book", "9.99", 10, "auto", time.Now().UTC())

	item, err := newService().Resolve(ctx, db, domain.ItemRef{ContentID: &contentID})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.Kind() != domain.ItemKindContent || item.ProjectID() != 0 {
		t.Fatalf("unexpected item: kind=%s project=%d", item.Kind(), item.ProjectID())
	}
	collaborators := item.Collaborators()
	if len(collaborators) != 1 || collaborators[0].Wallet != "WalletAna" || collaborators[0].Percentage.IntPart() != 90 {
		t.Fatalf("expected owner at 90%%, got %+v", collaborators)
	}
}

func TestResolveChapterUsesProjectCollaborators(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(10)
	ctx := context.Background()

	writer := node.Generate()
	artist := node.Generate()
	pending := node.Generate()
	projectID := node.Generate()
	chapterID := node.Generate()

	mustExec(t, db, `INSERT INTO creators (id, username, wallet_address) VALUES (?, ?, ?), (?, ?, ?), (?, ?, ?)`,
		writer, "writer", "WalletW", artist, "artist", "WalletA", pending, "pending", "WalletP")
	mustExec(t, db, `INSERT INTO chapters (id, creator_id, project_id, title, price_usd, split_mode, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chapterID, writer, projectID, "Chapter 1", "2.99", "collaborative", time.Now().UTC())
	mustExec(t, db, `INSERT INTO project_collaborators (project_id, user_id, revenue_percentage, role, status) VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)`,
		projectID, writer, "55", "owner", "accepted",
		projectID, artist, "45", "collaborator", "accepted",
		projectID, pending, "10", "collaborator", "invited")

	item, err := newService().Resolve(ctx, db, domain.ItemRef{ChapterID: &chapterID})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.SplitMode() != splitdomain.ModeCollaborative {
		t.Fatalf("expected collaborative mode, got %s", item.SplitMode())
	}
	if item.ProjectID() != projectID {
		t.Fatalf("expected project %d, got %d", projectID, item.ProjectID())
	}
	if got := len(item.Collaborators()); got != 2 {
		t.Fatalf("expected 2 accepted collaborators, got %d", got)
	}
}

func TestResolveRejectsBadReferences(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(10)
	ctx := context.Background()
	svc := newService()

	if _, err := svc.Resolve(ctx, db, domain.ItemRef{}); !errors.Is(err, domain.ErrInvalidItemRef) {
		t.Fatalf("expected invalid ref, got %v", err)
	}
	missing := node.Generate()
	if _, err := svc.Resolve(ctx, db, domain.ItemRef{ContentID: &missing}); !errors.Is(err, domain.ErrItemNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	owner := node.Generate()
	contentID := node.Generate()
	mustExec(t, db, `INSERT INTO creators (id, username, wallet_address) VALUES (?, ?, ?)`, owner, "nowallet", "")
	mustExec(t, db, `INSERT INTO contents (id, creator_id, title, price_usd, editions, split_mode, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contentID, owner, "Book", "9.99", 0, "auto", time.Now().UTC())
	if _, err := svc.Resolve(ctx, db, domain.ItemRef{ContentID: &contentID}); !errors.Is(err, splitdomain.ErrMissingWallet) {
		t.Fatalf("expected missing wallet, got %v", err)
	}
}

func TestDecrementEditionsStopsAtZero(t *testing.T) {
	db := setupTestDB(t)
	node, _ := snowflake.NewNode(10)
	ctx := context.Background()
	svc := newService()

	contentID := node.Generate()
	mustExec(t, db, `INSERT INTO contents (id, creator_id, title, price_usd, editions, split_mode, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		contentID, node.Generate(), "Book", "9.99", 1, "auto", time.Now().UTC())

	ok, err := svc.DecrementEditions(ctx, db, contentID)
	if err != nil || !ok {
		t.Fatalf("expected first decrement, ok=%v err=%v", ok, err)
	}
	ok, err = svc.DecrementEditions(ctx, db, contentID)
	if err != nil || ok {
		t.Fatalf("expected no decrement at zero, ok=%v err=%v", ok, err)
	}

	var editions int
	if err := db.Raw(`SELECT editions FROM contents WHERE id = ?`, contentID).Scan(&editions).Error; err != nil {
		t.Fatalf("read editions: %v", err)
	}
	if editions != 0 {
		t.Fatalf("expected 0 editions, got %d", editions)
	}
}
