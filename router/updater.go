package router

import (
	"context"
	"time"

	"github.com/samber/lo"

	rerrors "github.com/treemana/rosdns/errors"
	"github.com/treemana/rosdns/log"
	"github.com/treemana/rosdns/model"
	"github.com/treemana/rosdns/pool"
)

// Updater makes sure the addresses of every notification are present in a
// firewall address-list on the router.
type Updater struct {
	pool           *pool.Pool
	list           string
	entryTimeout   time.Duration
	acquireTimeout time.Duration
}

func NewUpdater(p *pool.Pool, list string, entryTimeout, acquireTimeout time.Duration) *Updater {
	return &Updater{pool: p, list: list, entryTimeout: entryTimeout, acquireTimeout: acquireTimeout}
}

// Handle adds the missing addresses of n and returns how many were added.
// Entries that already exist get their timeout refreshed when one is set.
func (u *Updater) Handle(ctx context.Context, n model.Notification) (int, error) {
	actx := ctx
	if u.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, u.acquireTimeout)
		defer cancel()
	}

	conn, err := u.pool.Acquire(actx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = conn.Close() }()

	var added int
	for _, address := range lo.Uniq(n.Addresses) {
		rows, err := conn.Execute(ctx, findAddress(u.list, address).Sentence())
		if err != nil {
			return added, err
		}

		if len(rows) > 0 {
			if u.entryTimeout > 0 {
				u.refresh(ctx, conn, rows[0][".id"], address)
			}
			continue
		}

		_, err = conn.Execute(ctx, addAddress(u.list, address, n.Domain, u.entryTimeout).Sentence())
		switch {
		case err == nil:
			added++
		case rerrors.Is(err, rerrors.ErrCommandRejected):
			// usually added by a concurrent update for another name
			log.Sugar.Warnf("router conn=%s add %s to %s: %v", conn, address, u.list, err)
		default:
			return added, err
		}
	}
	return added, nil
}

func (u *Updater) refresh(ctx context.Context, conn *pool.PooledConn, id, address string) {
	if id == "" {
		return
	}
	cmd := NewCommand(addressListPath+"/set").
		With(".id", id).
		With("timeout", formatTimeout(u.entryTimeout))
	if _, err := conn.Execute(ctx, cmd.Sentence()); err != nil {
		log.Sugar.Warnf("router conn=%s refresh %s in %s: %v", conn, address, u.list, err)
	}
}
