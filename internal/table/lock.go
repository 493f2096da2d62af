package table

import (
	"context"
	"time"

	"github.com/maruel/ksid"
)

// Lock is a reservation of one record. Only the exact token returned by
// [Table.Lock], [Table.TryLock] or [Table.Insert] can update, release or
// delete the record; a copy with the same fields does not.
type Lock struct {
	ID     ksid.ID
	Key    string
	Holder string
	Since  time.Time
}

type holderKey struct{}

// WithHolder names the caller for locks taken with the returned context.
// The name is reported when another caller fails to get the lock.
func WithHolder(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, holderKey{}, name)
}

// HolderFrom returns the name set by [WithHolder].
func HolderFrom(ctx context.Context) string {
	s, _ := ctx.Value(holderKey{}).(string)
	return s
}

func newLock(ctx context.Context, key string) *Lock {
	l := &Lock{ID: ksid.NewID(), Key: key, Holder: HolderFrom(ctx), Since: time.Now()}
	if l.Holder == "" {
		l.Holder = "lock " + l.ID.String()
	}
	return l
}
