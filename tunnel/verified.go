package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghaiht95/genmob/retry"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
)

var errNotConfirmed = errors.New("change not visible after the call")

// Verified makes a Provisioner safe to call repeatedly: mutations are skipped when the target state already holds,
// every attempt is confirmed by querying existence afterwards, and failures are retried with backoff. Every error it
// returns wraps types.ErrProvisioner, including a context that ended while a call was in flight.
type Verified struct {
	inner  Provisioner
	retry  *retry.Executor
	logger hclog.Logger
}

func NewVerified(inner Provisioner, policy retry.Policy, logger hclog.Logger) *Verified {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Verified{
		inner:  inner,
		retry:  retry.New(policy, retryable, types.ErrProvisioner, logger),
		logger: logger,
	}
}

// context errors end the retries, everything else from the external system is worth another try
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (v *Verified) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := v.retry.Do(ctx, op, fn)
	if err == nil || errors.Is(err, types.ErrProvisioner) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrProvisioner, err)
}

func (v *Verified) HubExists(ctx context.Context, hub string) (bool, error) {
	var exists bool
	err := v.do(ctx, "hub exists "+hub, func(ctx context.Context) error {
		var err error
		exists, err = v.inner.HubExists(ctx, hub)
		return err
	})
	return exists, err
}

func (v *Verified) CreateHub(ctx context.Context, hub string) error {
	return v.do(ctx, "create hub "+hub, func(ctx context.Context) error {
		return v.converge(ctx, true,
			func(ctx context.Context) (bool, error) { return v.inner.HubExists(ctx, hub) },
			func(ctx context.Context) error { return v.inner.CreateHub(ctx, hub) })
	})
}

func (v *Verified) DeleteHub(ctx context.Context, hub string) error {
	return v.do(ctx, "delete hub "+hub, func(ctx context.Context) error {
		return v.converge(ctx, false,
			func(ctx context.Context) (bool, error) { return v.inner.HubExists(ctx, hub) },
			func(ctx context.Context) error { return v.inner.DeleteHub(ctx, hub) })
	})
}

func (v *Verified) UserExists(ctx context.Context, hub, user string) (bool, error) {
	var exists bool
	err := v.do(ctx, fmt.Sprintf("user exists %s/%s", hub, user), func(ctx context.Context) error {
		var err error
		exists, err = v.inner.UserExists(ctx, hub, user)
		return err
	})
	return exists, err
}

// CreateUser always sets the secret, an existing user gets its secret replaced.
func (v *Verified) CreateUser(ctx context.Context, hub, user, secret string) error {
	return v.do(ctx, fmt.Sprintf("create user %s/%s", hub, user), func(ctx context.Context) error {
		err := v.inner.CreateUser(ctx, hub, user, secret)
		if err != nil {
			return err
		}
		return v.confirm(ctx, true, func(ctx context.Context) (bool, error) { return v.inner.UserExists(ctx, hub, user) })
	})
}

func (v *Verified) DeleteUser(ctx context.Context, hub, user string) error {
	return v.do(ctx, fmt.Sprintf("delete user %s/%s", hub, user), func(ctx context.Context) error {
		return v.converge(ctx, false,
			func(ctx context.Context) (bool, error) { return v.inner.UserExists(ctx, hub, user) },
			func(ctx context.Context) error { return v.inner.DeleteUser(ctx, hub, user) })
	})
}

func (v *Verified) ListHubs(ctx context.Context) ([]string, error) {
	var hubs []string
	err := v.do(ctx, "list hubs", func(ctx context.Context) error {
		var err error
		hubs, err = v.inner.ListHubs(ctx)
		return err
	})
	return hubs, err
}

// EnsureUser creates the hub if needed and then the user with the given secret.
func (v *Verified) EnsureUser(ctx context.Context, hub, user, secret string) error {
	err := v.CreateHub(ctx, hub)
	if err != nil {
		return err
	}
	return v.CreateUser(ctx, hub, user, secret)
}

// converge runs mutate unless exists already reports want, then confirms the result.
func (v *Verified) converge(ctx context.Context, want bool, exists func(context.Context) (bool, error), mutate func(context.Context) error) error {
	ok, err := exists(ctx)
	if err == nil && ok == want {
		return nil
	}
	err = mutate(ctx)
	if err != nil {
		// the call may have failed after the change was applied, the check below decides
		v.logger.Debug("provisioner call failed", "error", err)
	}
	if confirmErr := v.confirm(ctx, want, exists); confirmErr != nil {
		if err != nil {
			return err
		}
		return confirmErr
	}
	return nil
}

func (v *Verified) confirm(ctx context.Context, want bool, exists func(context.Context) (bool, error)) error {
	ok, err := exists(ctx)
	if err != nil {
		return err
	}
	if ok != want {
		return errNotConfirmed
	}
	return nil
}
