package dock

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/foundersbase/chatdock/internal/chat"
)

type UserSearcher interface {
	SearchUsers(ctx context.Context, q string) ([]chat.UserSummary, error)
}

type SearchResult struct {
	Query string
	Users []chat.UserSummary
	Err   error
}

// Searcher debounces compose-box lookups. Only the latest query is ever
// delivered; an older request still in flight is cancelled.
type Searcher struct {
	api      UserSearcher
	debounce time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	seq      uint64
	timer    *time.Timer
	inflight context.CancelFunc

	results chan SearchResult
}

func NewSearcher(api UserSearcher, debounce time.Duration, logger *zap.Logger) *Searcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Searcher{
		api:      api,
		debounce: debounce,
		logger:   logger.Named("search"),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan SearchResult, 1),
	}
}

// Results holds at most one undelivered result, always the newest.
func (s *Searcher) Results() <-chan SearchResult { return s.results }

// Query schedules a lookup for q after the debounce delay. A blank query
// clears the results immediately.
func (s *Searcher) Query(q string) {
	q = strings.TrimSpace(q)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.seq++
	seq := s.seq
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}

	if q == "" {
		s.deliverLocked(SearchResult{})
		return
	}

	s.wg.Add(1)
	s.timer = time.AfterFunc(s.debounce, func() {
		defer s.wg.Done()
		s.run(seq, q)
	})
}

func (s *Searcher) run(seq uint64, q string) {
	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.inflight = cancel
	s.mu.Unlock()
	defer cancel()

	users, err := s.api.SearchUsers(ctx, q)
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("user search failed", zap.String("q", q), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq || s.ctx.Err() != nil {
		return
	}
	s.inflight = nil
	if users == nil {
		users = []chat.UserSummary{}
	}
	s.deliverLocked(SearchResult{Query: q, Users: users, Err: err})
}

func (s *Searcher) deliverLocked(r SearchResult) {
	// drop a stale undelivered result so the newest always fits
	select {
	case <-s.results:
	default:
	}
	s.results <- r
}

func (s *Searcher) Close() {
	s.mu.Lock()
	s.cancel()
	if s.timer != nil && s.timer.Stop() {
		s.wg.Done()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
