package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/repos/testutil"
	"github.com/loomstudio/loom-backend/internal/requestdata"
	"github.com/loomstudio/loom-backend/internal/types"
)

func newAuthFixture(t *testing.T, accessTTL time.Duration) AuthService {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	return NewAuthService(db, log,
		repos.NewUserRepo(db, log),
		repos.NewUserTokenRepo(db, log),
		"test-secret", accessTTL, 24*time.Hour)
}

func TestAuthServiceFullCycle(t *testing.T) {
	auth := newAuthFixture(t, time.Hour)
	ctx := context.Background()
	email := fmt.Sprintf("auth-%s@example.com", uuid.NewString())

	user := &types.User{Email: email, Password: "hunter22", FirstName: "A", LastName: "B"}
	if err := auth.RegisterUser(ctx, user); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.Password == "hunter22" {
		t.Fatalf("password stored in plaintext")
	}
	if err := auth.RegisterUser(ctx, &types.User{Email: email, Password: "x"}); err == nil {
		t.Fatalf("duplicate email accepted")
	}

	if _, _, err := auth.LoginUser(ctx, email, "wrong"); err == nil {
		t.Fatalf("wrong password accepted")
	}
	access, refresh, err := auth.LoginUser(ctx, email, "hunter22")
	if err != nil {
		t.Fatalf("LoginUser: %v", err)
	}
	if access == "" || refresh == "" {
		t.Fatalf("empty tokens")
	}

	gotCtx, err := auth.SetContextFromToken(ctx, access)
	if err != nil {
		t.Fatalf("SetContextFromToken: %v", err)
	}
	rd := requestdata.GetRequestData(gotCtx)
	if rd == nil || rd.UserID != user.ID {
		t.Fatalf("request data: %+v", rd)
	}

	// Refresh rotates: the old refresh token dies with the exchange.
	access2, refresh2, err := auth.RefreshUser(ctx, refresh)
	if err != nil {
		t.Fatalf("RefreshUser: %v", err)
	}
	if access2 == "" || refresh2 == "" || refresh2 == refresh {
		t.Fatalf("refresh did not rotate: %q -> %q", refresh, refresh2)
	}
	if _, _, err := auth.RefreshUser(ctx, refresh); err == nil {
		t.Fatalf("spent refresh token accepted")
	}

	if err := auth.LogoutUser(ctx, refresh2); err != nil {
		t.Fatalf("LogoutUser: %v", err)
	}
	if _, _, err := auth.RefreshUser(ctx, refresh2); err == nil {
		t.Fatalf("refresh after logout accepted")
	}
	// Logging out an unknown token is a no-op, not an error.
	if err := auth.LogoutUser(ctx, uuid.NewString()); err != nil {
		t.Fatalf("LogoutUser unknown: %v", err)
	}
}

func TestAuthServiceRejectsBadTokens(t *testing.T) {
	auth := newAuthFixture(t, -time.Minute) // issued tokens are born expired
	ctx := context.Background()
	email := fmt.Sprintf("authexp-%s@example.com", uuid.NewString())

	if err := auth.RegisterUser(ctx, &types.User{Email: email, Password: "pw123456"}); err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	access, _, err := auth.LoginUser(ctx, email, "pw123456")
	if err != nil {
		t.Fatalf("LoginUser: %v", err)
	}
	if _, err := auth.SetContextFromToken(ctx, access); err == nil {
		t.Fatalf("expired token accepted")
	}
	if _, err := auth.SetContextFromToken(ctx, "not-a-jwt"); err == nil {
		t.Fatalf("garbage token accepted")
	}
}
