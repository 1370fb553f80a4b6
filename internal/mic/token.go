// Package mic guards the microphone so at most one capture graph is open.
package mic

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Aayaan-Sahu/kova/domain"
)

// Token is a single-owner resource token for the microphone
type Token struct {
	mu     sync.Mutex
	holder *Lease
	logger *zap.Logger
}

// Lease is proof of ownership. Release is idempotent.
type Lease struct {
	token *Token
	owner string
	once  sync.Once
}

// NewToken creates an unheld token
func NewToken(logger *zap.Logger) *Token {
	return &Token{logger: logger}
}

// Acquire takes the microphone for owner, failing fast with
// domain.ErrResourceBusy while another lease is outstanding.
func (t *Token) Acquire(owner string) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.holder != nil {
		t.logger.Warn("Microphone busy",
			zap.String("owner", owner),
			zap.String("holder", t.holder.owner))
		return nil, fmt.Errorf("%w: held by %s", domain.ErrResourceBusy, t.holder.owner)
	}

	lease := &Lease{token: t, owner: owner}
	t.holder = lease
	t.logger.Debug("Microphone acquired", zap.String("owner", owner))
	return lease, nil
}

// Holder returns the current owner, or "" when free
func (t *Token) Holder() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder == nil {
		return ""
	}
	return t.holder.owner
}

// Owner returns the name the lease was acquired under
func (l *Lease) Owner() string {
	return l.owner
}

// Release gives the microphone back
func (l *Lease) Release() {
	l.once.Do(func() {
		t := l.token
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.holder == l {
			t.holder = nil
			t.logger.Debug("Microphone released", zap.String("owner", l.owner))
		}
	})
}
