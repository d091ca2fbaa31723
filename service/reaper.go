package service

import "time"

// sweepLoop reclaims contexts whose idle time exceeds their lease. It runs
// until Stop and follows the same teardown path as an explicit CloseContext:
// the client gets no say, crashed peers are recovered without cooperation.
func (s *Service) sweepLoop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			start := time.Now()
			expired := s.registry.Expired(now)
			for _, id := range expired {
				if err := s.registry.Close(id); err != nil {
					// Raced with an explicit close; nothing left to do.
					continue
				}
				s.logger.Info("reaped idle context", "context_id", id)
			}
			if len(expired) > 0 {
				s.logger.Debug("keep-alive sweep",
					"scanned", s.registry.Len()+len(expired),
					"reaped", len(expired),
					"duration", time.Since(start))
			}
		}
	}
}
