package rewards

import (
	"context"
	"errors"
	"sync"

	"smallbiznis-rewards/pkg/errutil"
)

var errDegradedView = errors.New("ledger view is degraded, refresh before writing")

// Session is one caller's cached view of a ledger. The cached snapshot only
// changes after a write succeeds or a refresh completes.
type Session struct {
	svc    *Service
	userID string

	mu     sync.Mutex
	snap   *Snapshot
	closed bool
}

// Open loads the user's ledger into a new session. A degraded load still
// returns a session, alongside the load error.
func (s *Service) Open(ctx context.Context, userID string) (*Session, error) {
	snap, err := s.Load(ctx, userID)
	return &Session{svc: s, userID: userID, snap: snap}, err
}

func (ss *Session) UserID() string { return ss.userID }

// Snapshot returns a copy of the cached view.
func (ss *Session) Snapshot() *Snapshot {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.snap.clone()
}

func (ss *Session) writable() error {
	if ss.closed {
		return errutil.BadRequest("session is closed", ErrSessionClosed)
	}
	if ss.userID == "" || ss.snap == nil || ss.snap.Source == SourceAnonymous {
		return unauthenticated()
	}
	if ss.snap.Degraded {
		return persistenceFailure(errDegradedView)
	}
	return nil
}

// Refresh reloads the view. On failure the previous data is kept and marked
// degraded.
func (ss *Session) Refresh(ctx context.Context) (*Snapshot, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return nil, errutil.BadRequest("session is closed", ErrSessionClosed)
	}

	snap, err := ss.svc.Load(ctx, ss.userID)
	if err != nil {
		if ss.snap != nil && ss.snap.Source != SourceDegraded {
			stale := ss.snap.clone()
			stale.Degraded = true
			ss.snap = stale
		} else {
			ss.snap = snap
		}
		return ss.snap.clone(), err
	}

	ss.snap = snap
	return snap.clone(), nil
}

func (ss *Session) Earn(ctx context.Context, req EarnRequest) (*EarnResult, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := ss.writable(); err != nil {
		return nil, err
	}

	req.UserID = ss.userID
	res, err := ss.svc.Earn(ctx, req)
	if err != nil {
		return nil, err
	}
	ss.snap = res.Snapshot.clone()
	return res, nil
}

func (ss *Session) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := ss.writable(); err != nil {
		return nil, err
	}

	req.UserID = ss.userID
	res, err := ss.svc.Redeem(ctx, req)
	if err != nil {
		return nil, err
	}
	ss.snap = res.Snapshot.clone()
	return res, nil
}

// Close releases the session. Later writes are refused.
func (ss *Session) Close() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.closed = true
}
