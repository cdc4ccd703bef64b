package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticPolicy_RoleGrants(t *testing.T) {
	p := NewStaticPolicy()
	p.Grant("sa-1", RoleSuperArbiter)
	p.Grant("adm-1", RoleAdmin)
	p.Grant("arb-1", RoleArbiter)

	ctx := context.Background()

	cases := []struct {
		actor string
		cap   Capability
		want  bool
	}{
		{"sa-1", CapSuperArbiter, true},
		{"sa-1", CapArbiter, true},
		{"sa-1", CapEscalation, true},
		{"sa-1", CapAdmin, false},
		{"adm-1", CapAdmin, true},
		{"adm-1", CapEscalation, true},
		{"adm-1", CapTrustMonitor, false},
		{"arb-1", CapArbiter, true},
		{"arb-1", CapSuperArbiter, false},
		{"stranger", CapArbiter, false},
	}
	for _, tc := range cases {
		got, err := p.Allow(ctx, tc.actor, tc.cap)
		if err != nil {
			t.Fatalf("Allow(%s, %s): %v", tc.actor, tc.cap, err)
		}
		if got != tc.want {
			t.Errorf("Allow(%s, %s) = %v, want %v", tc.actor, tc.cap, got, tc.want)
		}
	}
}

func TestRequire_Forbidden(t *testing.T) {
	p := NewStaticPolicy()
	p.Grant("arb-1", RoleArbiter)

	err := Require(context.Background(), p, "arb-1", CapAdmin)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if err := Require(context.Background(), p, "arb-1", CapArbiter); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestRequireAny(t *testing.T) {
	p := NewStaticPolicy()
	p.Grant("sa-1", RoleSuperArbiter)

	if err := RequireAny(context.Background(), p, "sa-1", CapAdmin, CapSuperArbiter); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := RequireAny(context.Background(), p, "sa-1", CapAdmin, CapTrustMonitor); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)

	token, err := svc.Issue("actor-1", []Role{RoleArbiter, RoleTrustMonitor})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	actor, roles, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor != "actor-1" {
		t.Errorf("expected actor-1, got %s", actor)
	}
	if len(roles) != 2 || roles[0] != RoleArbiter || roles[1] != RoleTrustMonitor {
		t.Errorf("unexpected roles: %v", roles)
	}
}

func TestTokenService_RejectsUnknownRole(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	if _, err := svc.Issue("actor-1", []Role{Role("root")}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestTokenService_RejectsTamperedToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	other := NewTokenService("other-secret", time.Hour)

	token, err := other.Issue("actor-1", []Role{RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := svc.Verify(token); err == nil {
		t.Fatal("expected verification failure for foreign signature")
	}
}
