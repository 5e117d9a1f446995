package outbox

import (
	"context"
	"fmt"
)

// ReplayService 把 failed 事件重新放回发送队列，由 Dispatcher 再次发布
type ReplayService struct {
	repo *Repository
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(repo *Repository) *ReplayService {
	return &ReplayService{repo: repo}
}

// ReplayEvent 重放指定的事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == StatusPending {
		return nil
	}
	if err := s.repo.ReplayEvent(ctx, eventID); err != nil {
		return fmt.Errorf("replay event %d: %w", eventID, err)
	}
	return nil
}
