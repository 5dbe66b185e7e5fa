package security

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
)

// AdminDirectory answers "is this email an admin" and knows the primary admin.
type AdminDirectory struct {
	admins []string
	set    map[string]bool
}

// NewAdminDirectory builds a directory from an ordered admin list. The first
// entry is the primary admin.
func NewAdminDirectory(admins []string) *AdminDirectory {
	d := &AdminDirectory{set: map[string]bool{}}
	for _, a := range admins {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if a == "" || d.set[key] {
			continue
		}
		d.set[key] = true
		d.admins = append(d.admins, a)
	}
	return d
}

// IsAdmin reports whether email is configured as an admin (case-insensitive).
func (d *AdminDirectory) IsAdmin(email string) bool {
	if d == nil {
		return false
	}
	return d.set[strings.ToLower(strings.TrimSpace(email))]
}

// Primary returns the canonical admin endpoint for user-to-admin threads.
func (d *AdminDirectory) Primary() (string, bool) {
	if d == nil || len(d.admins) == 0 {
		return "", false
	}
	return d.admins[0], true
}

// All returns the configured admins in order.
func (d *AdminDirectory) All() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.admins...)
}

// IdentitySource yields the current caller, or nil while sign-in is pending.
type IdentitySource interface {
	Current(ctx context.Context) (*Identity, error)
}

// IdentityFunc adapts a function to IdentitySource.
type IdentityFunc func(ctx context.Context) (*Identity, error)

func (f IdentityFunc) Current(ctx context.Context) (*Identity, error) { return f(ctx) }

// StaticIdentity always yields id.
func StaticIdentity(id *Identity) IdentitySource {
	return IdentityFunc(func(context.Context) (*Identity, error) { return id, nil })
}

var errIdentityPending = errors.New("identity pending")

// AwaitIdentity polls src until it yields a caller or timeout elapses, in which
// case it fails with *NotAuthenticatedError.
func AwaitIdentity(ctx context.Context, src IdentitySource, timeout time.Duration) (*Identity, error) {
	if src == nil {
		return nil, &registrystore.NotAuthenticatedError{}
	}
	if timeout <= 0 {
		id, err := src.Current(ctx)
		if err != nil {
			return nil, err
		}
		if id == nil || id.UserID == "" {
			return nil, &registrystore.NotAuthenticatedError{}
		}
		return id, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	var id *Identity
	op := func() error {
		current, err := src.Current(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if current == nil || current.UserID == "" {
			return errIdentityPending
		}
		id = current
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errIdentityPending) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &registrystore.NotAuthenticatedError{}
		}
		return nil, err
	}
	return id, nil
}
