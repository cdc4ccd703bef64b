package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrForbidden signals the actor lacks the required capability.
	ErrForbidden = errors.New("authz: forbidden")
)

// Policy answers whether an actor holds a capability. It is queried by every
// guarded operation before any state is touched, and stays orthogonal to the
// state-machine logic itself.
type Policy interface {
	Allow(ctx context.Context, actor string, cap Capability) (bool, error)
}

// Require resolves the policy check into an error suitable for direct return.
func Require(ctx context.Context, p Policy, actor string, cap Capability) error {
	ok, err := p.Allow(ctx, actor, cap)
	if err != nil {
		return fmt.Errorf("authz: check %s for %s: %w", cap, actor, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, actor, cap)
	}
	return nil
}

// RequireAny passes when the actor holds at least one of the capabilities.
func RequireAny(ctx context.Context, p Policy, actor string, caps ...Capability) error {
	for _, c := range caps {
		ok, err := p.Allow(ctx, actor, c)
		if err != nil {
			return fmt.Errorf("authz: check %s for %s: %w", c, actor, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires one of %v", ErrForbidden, actor, caps)
}

// StaticPolicy is an in-memory Policy keyed by actor. Used in tests and for
// bootstrap wiring before role rows exist.
type StaticPolicy struct {
	grants map[string]map[Capability]struct{}
}

func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{grants: make(map[string]map[Capability]struct{})}
}

// Grant assigns the capabilities of the given roles to the actor.
func (p *StaticPolicy) Grant(actor string, roles ...Role) {
	caps, ok := p.grants[actor]
	if !ok {
		caps = make(map[Capability]struct{})
		p.grants[actor] = caps
	}
	for _, c := range Grants(roles) {
		caps[c] = struct{}{}
	}
}

func (p *StaticPolicy) Allow(_ context.Context, actor string, cap Capability) (bool, error) {
	caps, ok := p.grants[actor]
	if !ok {
		return false, nil
	}
	_, ok = caps[cap]
	return ok, nil
}

// PGPolicy resolves capabilities from the actor_roles table.
type PGPolicy struct {
	pool *pgxpool.Pool
}

func NewPGPolicy(pool *pgxpool.Pool) *PGPolicy {
	return &PGPolicy{pool: pool}
}

func (p *PGPolicy) Allow(ctx context.Context, actor string, cap Capability) (bool, error) {
	const query = `SELECT role::text FROM actor_roles WHERE actor = $1`

	rows, err := p.pool.Query(ctx, query, actor)
	if err != nil {
		return false, fmt.Errorf("authz: query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return false, fmt.Errorf("authz: scan role: %w", err)
		}
		roles = append(roles, Role(r))
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("authz: iterate roles: %w", err)
	}

	for _, c := range Grants(roles) {
		if c == cap {
			return true, nil
		}
	}
	return false, nil
}
