package app

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/internal/model"
	"docuchat/internal/pkg/jwtutil"
	"docuchat/internal/repository"
)

func newAuthService(t *testing.T) *AuthService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.User{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return NewAuthService(repository.NewUserRepository(db), "test-secret", time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newAuthService(t)

	result, err := svc.Register(RegisterInput{
		Username: "alice",
		Email:    "Alice@Example.com",
		Password: "correct horse",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.User.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", result.User.Email)
	}
	if result.User.PasswordHash == "correct horse" {
		t.Fatal("password stored in plain text")
	}

	claims, err := jwtutil.ParseToken("test-secret", result.Token)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if claims.UserID != result.User.ID || claims.Username != "alice" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	login, err := svc.Login(LoginInput{Username: "alice", Password: "correct horse"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if login.User.ID != result.User.ID {
		t.Fatal("login returned a different user")
	}

	if _, err := svc.Login(LoginInput{Username: "alice", Password: "wrong pass"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if _, err := svc.Login(LoginInput{Username: "nobody", Password: "whatever"}); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthUsernameNormalization(t *testing.T) {
	svc := newAuthService(t)

	result, err := svc.Register(RegisterInput{
		Username: "  Carol.Danvers ",
		Email:    "carol@example.com",
		Password: "longenough",
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if result.User.Username != "carol.danvers" {
		t.Fatalf("expected lowercase username, got %q", result.User.Username)
	}

	login, err := svc.Login(LoginInput{Username: "CAROL.DANVERS", Password: "longenough"})
	if err != nil {
		t.Fatalf("mixed-case login failed: %v", err)
	}
	if login.User.ID != result.User.ID {
		t.Fatal("login resolved a different user")
	}

	if _, err := svc.Register(RegisterInput{Username: "no spaces here", Email: "n@example.com", Password: "longenough"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad username, got %v", err)
	}
}

func TestLoginStampsLastLogin(t *testing.T) {
	svc := newAuthService(t)

	reg, err := svc.Register(RegisterInput{Username: "dave", Email: "dave@example.com", Password: "longenough"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if reg.User.LastLoginAt != nil {
		t.Fatal("fresh user should have no last login")
	}

	login, err := svc.Login(LoginInput{Username: "dave", Password: "longenough"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if login.User.LastLoginAt == nil {
		t.Fatal("login should stamp last login")
	}

	stored, err := svc.GetUserByID(reg.User.ID)
	if err != nil {
		t.Fatalf("fetch user failed: %v", err)
	}
	if stored == nil || stored.LastLoginAt == nil {
		t.Fatal("last login not persisted")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	svc := newAuthService(t)

	if _, err := svc.Register(RegisterInput{Username: "bob", Email: "bob@example.com", Password: "longenough"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := svc.Register(RegisterInput{Username: "bob", Email: "other@example.com", Password: "longenough"}); !errors.Is(err, ErrUsernameExists) {
		t.Fatalf("expected ErrUsernameExists, got %v", err)
	}
	if _, err := svc.Register(RegisterInput{Username: "bobby", Email: "bob@example.com", Password: "longenough"}); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
	if _, err := svc.Register(RegisterInput{Username: "x", Email: "x@example.com", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short password, got %v", err)
	}
}
